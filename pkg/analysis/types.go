// Package analysis turns raw emails into structured results by
// batching them under a token budget, prompting an LLM once per batch
// and parsing the anchored response back into per-email results.
package analysis

import (
	"time"

	"github.com/shopspring/decimal"
)

// EmailRecord is one already-fetched, plain-text email. Records are
// produced upstream and read-only here.
type EmailRecord struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	Sender     string    `json:"sender"`
	ReceivedAt time.Time `json:"receivedAt"`
	UserID     string    `json:"userId"`
}

// AnalysisResult is the finalized analysis of one email. Immutable
// once created; owned by the cache after a successful store.
type AnalysisResult struct {
	EmailID       string          `json:"emailId"`
	UserID        string          `json:"userId"`
	Summary       string          `json:"summary"`
	ActionItems   []string        `json:"actionItems"`
	PriorityScore float64         `json:"priorityScore"`
	AnalyzedAt    time.Time       `json:"analyzedAt"`
	ModelVersion  string          `json:"modelVersion"`
	TokenCost     int             `json:"tokenCost"`
	MonetaryCost  decimal.Decimal `json:"monetaryCost"`
}

// BatchMember pairs a record with the estimated token size of its
// prompt section.
type BatchMember struct {
	Record EmailRecord
	Tokens int
}

// Batch is a transient group of emails submitted together in one LLM
// round trip. Never persisted.
type Batch struct {
	ID              string
	UserID          string
	Members         []BatchMember
	EstimatedTokens int
	BudgetLimit     int
}

// EmailIDs returns the member ids in batch order.
func (b Batch) EmailIDs() []string {
	ids := make([]string, len(b.Members))
	for i, m := range b.Members {
		ids[i] = m.Record.ID
	}
	return ids
}

// Failure describes one email that could not be analyzed.
type Failure struct {
	EmailID string `json:"emailId"`
	Reason  Reason `json:"reason"`
	Message string `json:"message"`
}

// Report is the outcome of one Analyze call: every submitted email
// ends up either in Results or in Failures, never silently dropped.
type Report struct {
	Results          []AnalysisResult `json:"results"`
	Failures         []Failure        `json:"failures"`
	CacheHits        int              `json:"cacheHits"`
	LLMCalls         int              `json:"llmCalls"`
	PromptTokens     int              `json:"promptTokens"`
	CompletionTokens int              `json:"completionTokens"`
	TotalCost        decimal.Decimal  `json:"totalCost"`
}
