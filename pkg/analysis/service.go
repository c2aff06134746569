package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/inboxsense/inboxsense/pkg/config"
	"github.com/inboxsense/inboxsense/pkg/helpers"
	"github.com/inboxsense/inboxsense/pkg/tokens"
)

// Service is the caller-facing surface of the pipeline. Construction
// validates configuration so misconfiguration fails before any email
// is submitted.
type Service struct {
	logger    *log.Logger
	cfg       *config.Config
	store     ResultStore
	scheduler *Scheduler
}

func NewService(
	logger *log.Logger,
	cfg *config.Config,
	gateway CompletionGateway,
	store ResultStore,
	estimator *tokens.Estimator,
	pricing *tokens.Pricing,
	progress ProgressSink,
) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigurationError{Err: err}
	}
	if !pricing.Known(cfg.Model) {
		return nil, &ConfigurationError{Err: &tokens.UnknownModelError{Model: cfg.Model}}
	}

	builder := NewPromptBuilder(estimator, cfg.Model, cfg.PerEmailTokenCap)
	parser := NewResponseParser(logger)

	scheduler := NewScheduler(logger, gateway, store, builder, parser, progress, SchedulerOptions{
		Model:       cfg.Model,
		TokenBudget: cfg.TokenBudgetPerBatch,
		Concurrency: cfg.WorkerConcurrency,
		TTL:         cfg.TTL(),
		// Ceiling for one batch: every allowed attempt at its full
		// timeout plus backoff waits between them.
		BatchTimeout: time.Duration(cfg.MaxRetries)*(cfg.RequestTimeout+30*time.Second) + 10*time.Second,
	})

	return &Service{
		logger:    logger,
		cfg:       cfg,
		store:     store,
		scheduler: scheduler,
	}, nil
}

// Analyze produces an analysis result or an explicit failure for every
// email in the set. Cached results are served without touching the
// model. Partial failure never raises; the error return is reserved
// for cancellation and invalid calls.
func (s *Service) Analyze(ctx context.Context, userID string, emails []EmailRecord) (*Report, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id must not be empty")
	}
	if len(emails) == 0 {
		return &Report{}, nil
	}

	report, err := s.scheduler.Run(ctx, userID, emails)
	if err != nil {
		return report, err
	}

	s.logger.Info("Analysis complete",
		"user", userID,
		"results", len(report.Results),
		"failures", len(report.Failures),
		"cacheHits", report.CacheHits,
		"llmCalls", report.LLMCalls,
		"cost", report.TotalCost,
	)

	return report, nil
}

// GetCached lists the user's cached results, newest first. sinceDays
// bounds how far back to look (0 means no bound); maxCount bounds the
// result size (0 means no bound).
func (s *Service) GetCached(ctx context.Context, userID string, sinceDays, maxCount int) ([]AnalysisResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id must not be empty")
	}

	var since time.Time
	if sinceDays > 0 {
		since = time.Now().AddDate(0, 0, -sinceDays)
	}

	return s.store.ListForUser(ctx, userID, since, maxCount)
}

// Invalidate removes one cached result, or every cached result of the
// user when emailID is nil or empty. Both forms are idempotent.
func (s *Service) Invalidate(ctx context.Context, userID string, emailID *string) error {
	if userID == "" {
		return fmt.Errorf("user id must not be empty")
	}

	if id := helpers.SafeValue(emailID); id != "" {
		s.logger.Debug("Invalidating cached result", "user", userID, "email", id)
		return s.store.Delete(ctx, userID, id)
	}

	s.logger.Debug("Clearing cached results", "user", userID)
	return s.store.ClearUser(ctx, userID)
}
