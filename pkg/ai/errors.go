package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	openai "github.com/sashabaranov/go-openai"
)

// TransientError is returned when every allowed attempt failed with a
// retryable condition: rate limiting, 5xx responses or timeouts.
type TransientError struct {
	Status   int
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("completion failed after %d attempts (status %d): %v", e.Attempts, e.Status, e.Err)
	}
	return fmt.Sprintf("completion failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// TerminalError is returned for conditions that retrying cannot fix:
// authentication failures and non-rate-limit 4xx responses.
type TerminalError struct {
	Status int
	Err    error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("completion rejected (status %d): %v", e.Status, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// errNoChoices marks a well-formed response that carried no
// completion. Treated as retryable: it is a server-side glitch.
var errNoChoices = errors.New("completion returned no choices")

// classify decides whether an attempt error is worth retrying and
// extracts the HTTP status when one is known.
func classify(err error) (retryable bool, status int) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode), apiErr.HTTPStatusCode
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode), reqErr.HTTPStatusCode
	}

	if errors.Is(err, errNoChoices) {
		return true, 0
	}

	// Deadline expiry of the per-attempt timeout.
	if errors.Is(err, context.DeadlineExceeded) {
		return true, 0
	}

	// Transport-level failures (connection refused, resets, DNS)
	// surface as *url.Error.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true, 0
	}

	return false, 0
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
