// Package ai wraps an OpenAI-compatible chat-completions endpoint with
// retry, rate limiting and token/cost accounting. It is the only place
// the pipeline talks to the network.
package ai

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	openai "github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"

	"github.com/inboxsense/inboxsense/pkg/tokens"
)

const (
	defaultMaxRetries      = 3
	defaultRequestTimeout  = 60 * time.Second
	defaultRetryBaseDelay  = 1 * time.Second
	defaultMaxRetryDelay   = 30 * time.Second
	defaultMaxOutputTokens = 1024
)

// Response is the outcome of one successful Send, with the token and
// cost accounting for that call.
type Response struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Cost             decimal.Decimal
	Attempts         int
	Duration         time.Duration
}

// Usage is a cumulative snapshot across all calls of one Service.
type Usage struct {
	Requests         int
	PromptTokens     int
	CompletionTokens int
	TotalCost        decimal.Decimal
}

// Options tune retry and generation behavior. Zero values fall back to
// defaults.
type Options struct {
	MaxRetries         int
	RequestTimeout     time.Duration
	RateLimitPerMinute int
	MaxOutputTokens    int
	Temperature        float32
	RetryBaseDelay     time.Duration
}

// Service sends prompts to the configured endpoint.
type Service struct {
	client          *openai.Client
	logger          *log.Logger
	estimator       *tokens.Estimator
	pricing         *tokens.Pricing
	limiter         *RateLimiter
	maxRetries      int
	requestTimeout  time.Duration
	retryBaseDelay  time.Duration
	maxRetryDelay   time.Duration
	maxOutputTokens int
	temperature     float32

	mu    sync.Mutex
	usage Usage
}

func NewService(logger *log.Logger, apiKey, baseURL string, estimator *tokens.Estimator, pricing *tokens.Pricing, opts Options) *Service {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	config.HTTPClient = &http.Client{
		Transport: &retryAfterTransport{base: http.DefaultTransport},
	}

	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.MaxOutputTokens <= 0 {
		opts.MaxOutputTokens = defaultMaxOutputTokens
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = defaultRetryBaseDelay
	}

	var limiter *RateLimiter
	if opts.RateLimitPerMinute > 0 {
		limiter = NewRateLimiter(opts.RateLimitPerMinute, time.Minute)
	}

	return &Service{
		client:          openai.NewClientWithConfig(config),
		logger:          logger,
		estimator:       estimator,
		pricing:         pricing,
		limiter:         limiter,
		maxRetries:      opts.MaxRetries,
		requestTimeout:  opts.RequestTimeout,
		retryBaseDelay:  opts.RetryBaseDelay,
		maxRetryDelay:   defaultMaxRetryDelay,
		maxOutputTokens: opts.MaxOutputTokens,
		temperature:     opts.Temperature,
	}
}

// Send submits one prompt and returns the raw response text with its
// accounting. Transient failures (429, 5xx, timeouts) are retried with
// exponential backoff up to MaxRetries attempts; a 429 carrying a
// Retry-After hint waits that long instead. Terminal failures return
// immediately.
func (s *Service) Send(ctx context.Context, system, user, model string) (*Response, error) {
	start := time.Now()
	hint := &retryAfterHint{}

	var lastErr error
	var lastStatus int
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		completion, err := s.complete(ctx, system, user, model, hint)
		if err == nil {
			return s.account(completion, system, user, model, attempt, time.Since(start))
		}

		// Caller cancellation is not a gateway failure.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		retryable, status := classify(err)
		if !retryable {
			s.logger.Warn("Completion rejected", "model", model, "status", status, "error", err)
			return nil, &TerminalError{Status: status, Err: err}
		}

		lastErr = err
		lastStatus = status
		if attempt == s.maxRetries {
			break
		}

		delay := s.backoffDelay(attempt, hint.take())
		s.logger.Debug("Retrying completion", "model", model, "attempt", attempt, "status", status, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.logger.Warn("Completion failed after retries", "model", model, "attempts", s.maxRetries, "status", lastStatus, "error", lastErr)
	return nil, &TransientError{Status: lastStatus, Attempts: s.maxRetries, Err: lastErr}
}

// Usage returns the cumulative accounting across all calls so far.
func (s *Service) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Close stops the rate limiter.
func (s *Service) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

func (s *Service) complete(ctx context.Context, system, user, model string, hint *retryAfterHint) (*openai.ChatCompletionResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	attemptCtx = context.WithValue(attemptCtx, hintKey{}, hint)

	resp, err := s.client.CreateChatCompletion(attemptCtx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens:   s.maxOutputTokens,
		Temperature: s.temperature,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errNoChoices
	}

	return &resp, nil
}

func (s *Service) account(completion *openai.ChatCompletionResponse, system, user, model string, attempts int, duration time.Duration) (*Response, error) {
	promptTokens := completion.Usage.PromptTokens
	if promptTokens == 0 {
		promptTokens = s.estimator.Estimate(system, model) + s.estimator.Estimate(user, model)
	}
	completionTokens := completion.Usage.CompletionTokens
	text := completion.Choices[0].Message.Content
	if completionTokens == 0 {
		completionTokens = s.estimator.Estimate(text, model)
	}

	inputCost, err := s.pricing.Cost(promptTokens, model, tokens.DirectionInput)
	if err != nil {
		return nil, fmt.Errorf("pricing prompt tokens: %w", err)
	}
	outputCost, err := s.pricing.Cost(completionTokens, model, tokens.DirectionOutput)
	if err != nil {
		return nil, fmt.Errorf("pricing completion tokens: %w", err)
	}
	cost := inputCost.Add(outputCost)

	s.mu.Lock()
	s.usage.Requests++
	s.usage.PromptTokens += promptTokens
	s.usage.CompletionTokens += completionTokens
	s.usage.TotalCost = s.usage.TotalCost.Add(cost)
	s.mu.Unlock()

	s.logger.Debug("Completion succeeded",
		"model", model,
		"attempts", attempts,
		"promptTokens", promptTokens,
		"completionTokens", completionTokens,
		"cost", cost,
		"duration", duration,
	)

	return &Response{
		Text:             text,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Cost:             cost,
		Attempts:         attempts,
		Duration:         duration,
	}, nil
}

func (s *Service) backoffDelay(attempt int, hinted time.Duration) time.Duration {
	if hinted > 0 {
		if hinted > s.maxRetryDelay {
			return s.maxRetryDelay
		}
		return hinted
	}

	delay := s.retryBaseDelay << (attempt - 1)
	if delay > s.maxRetryDelay {
		delay = s.maxRetryDelay
	}
	// Up to 20% jitter so concurrent workers do not retry in step.
	jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
	return delay + jitter
}

// hintKey carries a per-call retryAfterHint through the request
// context so the transport can report the server's Retry-After header
// back to the retry loop.
type hintKey struct{}

type retryAfterHint struct {
	nanos atomic.Int64
}

func (h *retryAfterHint) set(d time.Duration) {
	h.nanos.Store(int64(d))
}

// take returns the last hint and clears it, so a stale hint never
// outlives the attempt that produced it.
func (h *retryAfterHint) take() time.Duration {
	return time.Duration(h.nanos.Swap(0))
}

type retryAfterTransport struct {
	base http.RoundTripper
}

func (t *retryAfterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		if hint, ok := req.Context().Value(hintKey{}).(*retryAfterHint); ok {
			if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
				hint.set(d)
			}
		}
	}
	return resp, err
}

// parseRetryAfter understands both forms of the header: delay seconds
// and an HTTP date.
func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := time.Until(when); d > 0 {
			return d, true
		}
	}
	return 0, false
}
