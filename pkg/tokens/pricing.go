package tokens

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Direction selects which side of a model call is being priced.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// UnknownModelError is returned when no price is configured for a
// model. Pricing never falls back to a default: silently mispriced
// calls would corrupt budget accounting.
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("no pricing configured for model %q", e.Model)
}

// ModelPrice holds the per-1000-token price of a model in USD.
type ModelPrice struct {
	InputPer1K  decimal.Decimal
	OutputPer1K decimal.Decimal
}

// Pricing is an immutable per-model price table.
type Pricing struct {
	prices map[string]ModelPrice
}

var oneThousand = decimal.NewFromInt(1000)

func price(input, output string) ModelPrice {
	return ModelPrice{
		InputPer1K:  decimal.RequireFromString(input),
		OutputPer1K: decimal.RequireFromString(output),
	}
}

// NewPricing returns a table covering the models this service is
// normally run against.
func NewPricing() *Pricing {
	return &Pricing{prices: map[string]ModelPrice{
		"gpt-4o":        price("0.0025", "0.01"),
		"gpt-4o-mini":   price("0.00015", "0.0006"),
		"gpt-4.1":       price("0.002", "0.008"),
		"gpt-4.1-mini":  price("0.0004", "0.0016"),
		"gpt-4.1-nano":  price("0.0001", "0.0004"),
		"gpt-3.5-turbo": price("0.0005", "0.0015"),
	}}
}

// NewPricingFromTable builds a table from explicit prices, for callers
// that run against self-hosted or otherwise non-standard models.
func NewPricingFromTable(prices map[string]ModelPrice) *Pricing {
	table := make(map[string]ModelPrice, len(prices))
	for model, p := range prices {
		table[model] = p
	}
	return &Pricing{prices: table}
}

// Known reports whether the model has a configured price.
func (p *Pricing) Known(model string) bool {
	_, ok := p.prices[model]
	return ok
}

// Cost converts a token count into USD for the given model and
// direction. Unknown models return an UnknownModelError.
func (p *Pricing) Cost(tokenCount int, model string, direction Direction) (decimal.Decimal, error) {
	mp, ok := p.prices[model]
	if !ok {
		return decimal.Zero, &UnknownModelError{Model: model}
	}
	per1K := mp.InputPer1K
	if direction == DirectionOutput {
		per1K = mp.OutputPer1K
	}
	return per1K.Mul(decimal.NewFromInt(int64(tokenCount))).Div(oneThousand), nil
}
