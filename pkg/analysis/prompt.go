package analysis

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/inboxsense/inboxsense/pkg/tokens"
)

// analysisSystemPrompt instructs the model to answer with one
// anchor-delimited result block per email, keyed by the email id, so
// the parser can attribute every block even when the model reorders or
// drops entries.
const analysisSystemPrompt = `You are an email triage assistant. You receive a numbered set of emails, each inside a "=== EMAIL <id> ===" section. For every email, produce exactly one result block in this format:

=== RESULT <id> ===
SUMMARY: <one or two sentences capturing what the email is about and what it asks of the recipient>
ACTION_ITEMS:
- <concrete action the recipient should take>
PRIORITY: <number between 0.0 and 1.0>

Rules:
- Use the exact id from the email's "=== EMAIL <id> ===" header. Never invent ids.
- If the email requires no action, put a single line "- none" under ACTION_ITEMS.
- PRIORITY reflects urgency and importance: 0.0 is routine or ignorable, 1.0 demands immediate attention.
- Output only result blocks, nothing before, between or after them.`

const (
	truncationMarker = "\n[truncated]"
	subjectRuneCap   = 200
	// minBodyTokens keeps a sliver of body even when headers eat most
	// of the per-email allowance.
	minBodyTokens = 16
)

// Prompt is one ready-to-send request payload.
type Prompt struct {
	System          string
	User            string
	EmailIDs        []string
	EstimatedTokens int
}

// PromptBuilder renders batches into anchor-delimited prompts, keeping
// each email section within the per-email token cap by deterministic
// truncation.
type PromptBuilder struct {
	estimator        *tokens.Estimator
	model            string
	perEmailTokenCap int
}

func NewPromptBuilder(estimator *tokens.Estimator, model string, perEmailTokenCap int) *PromptBuilder {
	return &PromptBuilder{
		estimator:        estimator,
		model:            model,
		perEmailTokenCap: perEmailTokenCap,
	}
}

// Build renders the whole batch into one prompt.
func (b *PromptBuilder) Build(batch Batch) Prompt {
	sections := make([]string, 0, len(batch.Members))
	for _, member := range batch.Members {
		sections = append(sections, b.Section(member.Record))
	}

	user := fmt.Sprintf("Analyze the following %d email(s).\n\n%s", len(batch.Members), strings.Join(sections, "\n\n"))

	return Prompt{
		System:          analysisSystemPrompt,
		User:            user,
		EmailIDs:        batch.EmailIDs(),
		EstimatedTokens: b.estimator.Estimate(analysisSystemPrompt, b.model) + b.estimator.Estimate(user, b.model),
	}
}

// Section renders one email with its anchor header. The body is
// truncated so the whole section estimates at or below the per-email
// cap; rendering the same record twice yields byte-identical text.
func (b *PromptBuilder) Section(rec EmailRecord) string {
	header := fmt.Sprintf("=== EMAIL %s ===\nFrom: %s\nSubject: %s\nReceived: %s\nBody:\n",
		rec.ID,
		rec.Sender,
		capRunes(rec.Subject, subjectRuneCap),
		rec.ReceivedAt.UTC().Format(time.RFC3339),
	)

	allowance := b.perEmailTokenCap - b.estimator.Estimate(header, b.model)
	if allowance < minBodyTokens {
		allowance = minBodyTokens
	}

	return header + b.truncateBody(rec.Body, allowance)
}

// SectionTokens is the estimated size of the rendered section, used by
// the batch packer.
func (b *PromptBuilder) SectionTokens(rec EmailRecord) int {
	return b.estimator.Estimate(b.Section(rec), b.model)
}

// truncateBody cuts body down to the token allowance, preferring the
// last complete sentence before the limit and falling back to a hard
// cut, then appends the truncation marker.
func (b *PromptBuilder) truncateBody(body string, allowanceTokens int) string {
	if b.estimator.Estimate(body, b.model) <= allowanceTokens {
		return body
	}

	budget := b.estimator.CharBudget(allowanceTokens, b.model) - len(truncationMarker)
	if budget < 1 {
		budget = 1
	}
	if budget > len(body) {
		budget = len(body)
	}

	// Never split a multi-byte rune on the hard path.
	hard := budget
	for hard > 0 && hard < len(body) && !utf8.RuneStart(body[hard]) {
		hard--
	}

	cut := hard
	if idx := lastSentenceEnd(body[:hard]); idx > 0 {
		cut = idx
	}

	return body[:cut] + truncationMarker
}

// lastSentenceEnd returns the index just past the last sentence
// terminator in text, or 0 when there is none.
func lastSentenceEnd(text string) int {
	for i := len(text) - 1; i >= 0; i-- {
		switch text[i] {
		case '.', '!', '?':
			if i+1 == len(text) || isSpace(text[i+1]) {
				return i + 1
			}
		}
	}
	return 0
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}

func capRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
