// Package tokens approximates LLM token counts and converts them into
// monetary cost. Estimates are heuristic: exact tokenization is a
// provider concern, but batching and budgeting only need a stable,
// monotonic approximation.
package tokens

import "strings"

// defaultCharsPerToken is the usual English-text ratio for BPE
// tokenizers. Models with denser tokenizers override it below.
const defaultCharsPerToken = 4

// charsPerTokenByPrefix maps a model name prefix to its approximate
// characters-per-token ratio. Longest matching prefix wins.
var charsPerTokenByPrefix = map[string]int{
	"gpt-4":   4,
	"gpt-3.5": 4,
	"o1":      4,
	"claude":  4,
	"mistral": 3,
	"llama":   3,
}

// Estimator converts text into approximate token counts for a model.
// The zero value is not usable; construct with NewEstimator.
type Estimator struct {
	charsPerToken map[string]int
}

func NewEstimator() *Estimator {
	return &Estimator{charsPerToken: charsPerTokenByPrefix}
}

// Estimate returns the approximate token count of text for the given
// model. It rounds up, is monotonic in text length and returns the
// same value for the same input on every call.
func (e *Estimator) Estimate(text string, model string) int {
	if text == "" {
		return 0
	}
	ratio := e.ratio(model)
	return (len(text) + ratio - 1) / ratio
}

// CharBudget returns the number of bytes of text that fit into the
// given token allowance for a model. It is the inverse of Estimate in
// the sense that Estimate(text[:CharBudget(n)]) <= n.
func (e *Estimator) CharBudget(tokenCount int, model string) int {
	if tokenCount <= 0 {
		return 0
	}
	return tokenCount * e.ratio(model)
}

func (e *Estimator) ratio(model string) int {
	best := 0
	ratio := defaultCharsPerToken
	for prefix, r := range e.charsPerToken {
		if strings.HasPrefix(model, prefix) && len(prefix) > best {
			best = len(prefix)
			ratio = r
		}
	}
	return ratio
}
