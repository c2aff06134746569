package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/inboxsense/inboxsense/pkg/ai"
	"github.com/inboxsense/inboxsense/pkg/tokens"
)

// Reason is a stable machine-readable code attached to every reported
// failure.
type Reason string

const (
	ReasonGatewayTransient Reason = "gateway_transient"
	ReasonGatewayTerminal  Reason = "gateway_terminal"
	ReasonUnparsable       Reason = "response_unparsable"
	ReasonUnparsed         Reason = "email_unparsed"
	ReasonCacheWrite       Reason = "cache_write_failed"
	ReasonConfiguration    Reason = "configuration"
	ReasonCanceled         Reason = "canceled"
)

// ConfigurationError marks settings problems that make the pipeline
// unusable: unknown model pricing, invalid budgets. Never retried.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// BatchFailure means an entire batch produced no trustworthy results:
// its gateway call exhausted retries, failed terminally, or the
// response contained no recognizable anchors. Every member is reported
// failed and none are cached.
type BatchFailure struct {
	BatchID  string
	EmailIDs []string
	Cause    error
}

func (e *BatchFailure) Error() string {
	return fmt.Sprintf("batch %s failed for %d emails: %v", e.BatchID, len(e.EmailIDs), e.Cause)
}

func (e *BatchFailure) Unwrap() error { return e.Cause }

// UnparsedEmailError marks a single email whose anchor was missing or
// malformed in an otherwise usable response.
type UnparsedEmailError struct {
	EmailID string
	Detail  string
}

func (e *UnparsedEmailError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("no parseable result for email %s", e.EmailID)
	}
	return fmt.Sprintf("no parseable result for email %s: %s", e.EmailID, e.Detail)
}

// CacheWriteError marks an email whose analysis succeeded but whose
// result could not be persisted. The email is reported failed so that
// returned successes are exactly the cached ones.
type CacheWriteError struct {
	EmailID string
	Err     error
}

func (e *CacheWriteError) Error() string {
	return fmt.Sprintf("caching result for email %s: %v", e.EmailID, e.Err)
}

func (e *CacheWriteError) Unwrap() error { return e.Err }

// ErrNoAnchors is returned by the parser when a response contains no
// anchor matching any submitted email, meaning the model ignored the
// requested format entirely.
var ErrNoAnchors = errors.New("response contains no recognizable result anchors")

// reasonForError maps an error to the failure reason reported to
// callers.
func reasonForError(err error) Reason {
	var transient *ai.TransientError
	if errors.As(err, &transient) {
		return ReasonGatewayTransient
	}
	var terminal *ai.TerminalError
	if errors.As(err, &terminal) {
		return ReasonGatewayTerminal
	}
	var unknownModel *tokens.UnknownModelError
	if errors.As(err, &unknownModel) {
		return ReasonConfiguration
	}
	var configuration *ConfigurationError
	if errors.As(err, &configuration) {
		return ReasonConfiguration
	}
	if errors.Is(err, ErrNoAnchors) {
		return ReasonUnparsable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ReasonCanceled
	}
	return ReasonUnparsable
}

// failBatch reports every member of a batch as failed for the same
// cause.
func failBatch(batch Batch, cause error) []Failure {
	reason := reasonForError(cause)
	failures := make([]Failure, 0, len(batch.Members))
	for _, member := range batch.Members {
		failures = append(failures, Failure{
			EmailID: member.Record.ID,
			Reason:  reason,
			Message: trimErrorMessage(cause),
		})
	}
	return failures
}

func trimErrorMessage(err error) string {
	msg := err.Error()
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		msg = msg[:idx]
	}
	const maxLen = 300
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}
