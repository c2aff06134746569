package analysis

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"
)

var resultAnchorRe = regexp.MustCompile(`(?m)^===\s*RESULT\s+(\S+?)\s*===`)

// CallStats carries the accounting of the gateway call that produced a
// response, so parsed results can be attributed their share of it.
type CallStats struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
	Cost             decimal.Decimal
}

// ResponseParser extracts per-email results from raw model output. It
// tolerates partial output: one malformed block never invalidates the
// rest of the batch.
type ResponseParser struct {
	logger *log.Logger
	now    func() time.Time
}

func NewResponseParser(logger *log.Logger) *ResponseParser {
	return &ResponseParser{logger: logger, now: time.Now}
}

// Parse splits raw output on result anchors and validates each block.
// It returns the successfully parsed results in batch order, plus the
// ids of batch members whose block was missing or malformed. Anchors
// that name ids outside the batch are ignored. When not a single
// anchor matches the batch the whole response is unusable and
// ErrNoAnchors is returned.
func (p *ResponseParser) Parse(raw string, batch Batch, stats CallStats) ([]AnalysisResult, []string, error) {
	blocks := p.splitBlocks(raw, batch)
	if len(blocks) == 0 {
		return nil, nil, fmt.Errorf("parsing batch %s response: %w", batch.ID, ErrNoAnchors)
	}

	parsed := make(map[string]AnalysisResult, len(blocks))
	var parsedMembers []BatchMember
	var unparsed []string

	for _, member := range batch.Members {
		id := member.Record.ID
		block, ok := blocks[id]
		if !ok {
			unparsed = append(unparsed, id)
			continue
		}

		result, err := p.parseBlock(id, block)
		if err != nil {
			p.logger.Debug("Malformed result block", "email", id, "error", err)
			unparsed = append(unparsed, id)
			continue
		}

		result.UserID = batch.UserID
		result.AnalyzedAt = p.now()
		result.ModelVersion = stats.Model
		parsed[id] = result
		parsedMembers = append(parsedMembers, member)
	}

	results := attributeCosts(parsed, parsedMembers, stats)
	return results, unparsed, nil
}

// splitBlocks maps each batch email id to its anchor-delimited block
// text. Unknown ids are dropped; for duplicated anchors the first
// block wins.
func (p *ResponseParser) splitBlocks(raw string, batch Batch) map[string]string {
	matches := resultAnchorRe.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return nil
	}

	known := make(map[string]bool, len(batch.Members))
	for _, member := range batch.Members {
		known[member.Record.ID] = true
	}

	blocks := make(map[string]string)
	for i, match := range matches {
		id := raw[match[2]:match[3]]
		start := match[1]
		end := len(raw)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}

		if !known[id] {
			p.logger.Debug("Ignoring anchor for unknown email id", "id", id)
			continue
		}
		if _, dup := blocks[id]; dup {
			p.logger.Debug("Ignoring duplicate anchor", "id", id)
			continue
		}
		blocks[id] = raw[start:end]
	}

	return blocks
}

// parseBlock validates one result block. Summary and priority are
// required; a missing block field means the email is unparsed, never
// silently defaulted.
func (p *ResponseParser) parseBlock(id, block string) (AnalysisResult, error) {
	var (
		summaryParts []string
		actionItems  []string
		sawSummary   bool
		sawActions   bool
		sawPriority  bool
		priority     float64
	)

	const (
		sectionNone = iota
		sectionSummary
		sectionActions
	)
	section := sectionNone

	for _, line := range strings.Split(block, "\n") {
		trimmed := strings.TrimSpace(line)

		switch {
		case hasFoldedPrefix(trimmed, "SUMMARY:"):
			sawSummary = true
			section = sectionSummary
			if rest := strings.TrimSpace(trimmed[len("SUMMARY:"):]); rest != "" {
				summaryParts = append(summaryParts, rest)
			}

		case hasFoldedPrefix(trimmed, "ACTION_ITEMS:"):
			sawActions = true
			section = sectionActions
			if rest := strings.TrimSpace(trimmed[len("ACTION_ITEMS:"):]); rest != "" && !strings.EqualFold(rest, "none") {
				actionItems = append(actionItems, rest)
			}

		case hasFoldedPrefix(trimmed, "PRIORITY:"):
			section = sectionNone
			rest := strings.TrimSpace(trimmed[len("PRIORITY:"):])
			fields := strings.Fields(rest)
			if len(fields) == 0 {
				return AnalysisResult{}, fmt.Errorf("empty priority")
			}
			value, err := strconv.ParseFloat(fields[0], 64)
			if err != nil {
				return AnalysisResult{}, fmt.Errorf("parsing priority %q: %w", fields[0], err)
			}
			priority = clamp(value, 0, 1)
			sawPriority = true

		case section == sectionSummary && trimmed != "":
			summaryParts = append(summaryParts, trimmed)

		case section == sectionActions && strings.HasPrefix(trimmed, "-"):
			item := strings.TrimSpace(strings.TrimPrefix(trimmed, "-"))
			if item != "" && !strings.EqualFold(item, "none") {
				actionItems = append(actionItems, item)
			}
		}
	}

	if !sawSummary {
		return AnalysisResult{}, fmt.Errorf("missing summary")
	}
	if !sawActions {
		return AnalysisResult{}, fmt.Errorf("missing action items")
	}
	if !sawPriority {
		return AnalysisResult{}, fmt.Errorf("missing priority")
	}

	summary := strings.Join(summaryParts, " ")
	if summary == "" {
		return AnalysisResult{}, fmt.Errorf("empty summary")
	}

	if actionItems == nil {
		actionItems = []string{}
	}

	return AnalysisResult{
		EmailID:       id,
		Summary:       summary,
		ActionItems:   actionItems,
		PriorityScore: priority,
	}, nil
}

// attributeCosts splits the call's token and monetary cost across the
// parsed results proportionally to each member's prompt share, and
// returns the results in batch order.
func attributeCosts(parsed map[string]AnalysisResult, members []BatchMember, stats CallStats) []AnalysisResult {
	if len(members) == 0 {
		return nil
	}

	sumTokens := 0
	for _, member := range members {
		sumTokens += member.Tokens
	}

	totalTokens := stats.PromptTokens + stats.CompletionTokens
	results := make([]AnalysisResult, 0, len(members))
	for _, member := range members {
		result := parsed[member.Record.ID]
		if sumTokens > 0 {
			share := decimal.NewFromInt(int64(member.Tokens)).Div(decimal.NewFromInt(int64(sumTokens)))
			result.TokenCost = int(decimal.NewFromInt(int64(totalTokens)).Mul(share).IntPart())
			result.MonetaryCost = stats.Cost.Mul(share)
		} else {
			result.TokenCost = totalTokens / len(members)
			result.MonetaryCost = stats.Cost.Div(decimal.NewFromInt(int64(len(members))))
		}
		results = append(results, result)
	}

	return results
}

func hasFoldedPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
