package analysis

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/samber/lo"

	"github.com/inboxsense/inboxsense/pkg/ai"
)

// CompletionGateway sends one prompt to the model endpoint. Retry and
// rate limiting happen behind this boundary; the scheduler only sees
// final outcomes.
type CompletionGateway interface {
	Send(ctx context.Context, system, user, model string) (*ai.Response, error)
}

// ResultStore is the cache of finalized results, keyed by
// (userID, emailID) and expiring per entry.
type ResultStore interface {
	Store(ctx context.Context, result AnalysisResult, ttl time.Duration) error
	Get(ctx context.Context, userID, emailID string) (*AnalysisResult, error)
	Exists(ctx context.Context, userID, emailID string) (bool, error)
	ListForUser(ctx context.Context, userID string, since time.Time, limit int) ([]AnalysisResult, error)
	Delete(ctx context.Context, userID, emailID string) error
	ClearUser(ctx context.Context, userID string) error
}

// ProgressSink receives advisory batch lifecycle notifications.
type ProgressSink interface {
	BatchStarted(userID, batchID string, emails int)
	BatchFinished(userID, batchID string, succeeded, failed int)
	BatchFailed(userID, batchID string, reason string)
}

// SchedulerOptions fix the per-run parameters of a Scheduler.
type SchedulerOptions struct {
	Model        string
	TokenBudget  int
	Concurrency  int
	TTL          time.Duration
	BatchTimeout time.Duration
}

// Scheduler drives cache-miss emails through the batch pipeline:
// pack, prompt, send, parse, cache. Batches run concurrently on a
// bounded worker pool; within one batch the steps are sequential.
type Scheduler struct {
	logger   *log.Logger
	gateway  CompletionGateway
	store    ResultStore
	builder  *PromptBuilder
	parser   *ResponseParser
	progress ProgressSink
	opts     SchedulerOptions
}

func NewScheduler(
	logger *log.Logger,
	gateway CompletionGateway,
	store ResultStore,
	builder *PromptBuilder,
	parser *ResponseParser,
	progress ProgressSink,
	opts SchedulerOptions,
) *Scheduler {
	return &Scheduler{
		logger:   logger,
		gateway:  gateway,
		store:    store,
		builder:  builder,
		parser:   parser,
		progress: progress,
		opts:     opts,
	}
}

// Run analyzes the given emails for one user. Cached results are
// served as-is; the rest are packed into token-bounded batches and
// dispatched concurrently. The returned report accounts for every
// submitted email exactly once, as a result or as a failure. Run
// returns an error only for caller cancellation.
func (s *Scheduler) Run(ctx context.Context, userID string, emails []EmailRecord) (*Report, error) {
	report := &Report{}

	unique := dedupeByID(emails)
	hits, misses := s.partitionByCache(ctx, userID, unique)
	report.CacheHits = len(hits)

	s.logger.Info("Scheduling analysis",
		"user", userID,
		"emails", len(unique),
		"cacheHits", len(hits),
		"cacheMisses", len(misses),
	)

	var outcomes []batchOutcome
	if len(misses) > 0 && ctx.Err() == nil {
		outcomes = s.dispatch(ctx, userID, misses)
	}

	fresh := make([]AnalysisResult, 0, len(misses))
	failures := make([]Failure, 0)
	for _, outcome := range outcomes {
		report.LLMCalls++
		if outcome.response != nil {
			report.PromptTokens += outcome.response.PromptTokens
			report.CompletionTokens += outcome.response.CompletionTokens
			report.TotalCost = report.TotalCost.Add(outcome.response.Cost)
		}
		fresh = append(fresh, outcome.results...)
		failures = append(failures, outcome.failures...)
	}

	// Reassemble by email id in input order; cross-batch completion
	// order is irrelevant to callers.
	resultByID := lo.KeyBy(append(hits, fresh...), func(r AnalysisResult) string { return r.EmailID })
	failureByID := lo.KeyBy(failures, func(f Failure) string { return f.EmailID })

	for _, rec := range unique {
		if result, ok := resultByID[rec.ID]; ok {
			report.Results = append(report.Results, result)
			continue
		}
		if failure, ok := failureByID[rec.ID]; ok {
			report.Failures = append(report.Failures, failure)
			continue
		}
		// The batch never produced an outcome; only cancellation
		// leaves work undone.
		report.Failures = append(report.Failures, Failure{
			EmailID: rec.ID,
			Reason:  ReasonCanceled,
			Message: "analysis aborted before this email's batch completed",
		})
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}

	return report, nil
}

// partitionByCache splits emails into cached results and records that
// still need analysis. A cache read failure demotes the email to a
// miss instead of failing the run.
func (s *Scheduler) partitionByCache(ctx context.Context, userID string, emails []EmailRecord) ([]AnalysisResult, []EmailRecord) {
	hits := make([]AnalysisResult, 0, len(emails))
	misses := make([]EmailRecord, 0, len(emails))

	for _, rec := range emails {
		cached, err := s.store.Get(ctx, userID, rec.ID)
		if err != nil {
			s.logger.Warn("Cache lookup failed, treating as miss", "user", userID, "email", rec.ID, "error", err)
			misses = append(misses, rec)
			continue
		}
		if cached != nil {
			hits = append(hits, *cached)
			continue
		}
		misses = append(misses, rec)
	}

	return hits, misses
}

func (s *Scheduler) dispatch(ctx context.Context, userID string, misses []EmailRecord) []batchOutcome {
	members := lo.Map(misses, func(rec EmailRecord, _ int) BatchMember {
		return BatchMember{Record: rec, Tokens: s.builder.SectionTokens(rec)}
	})
	batches := PackBatches(userID, members, s.opts.TokenBudget)

	s.logger.Debug("Packed batches", "user", userID, "batches", len(batches), "budget", s.opts.TokenBudget)

	jobs := lo.Map(batches, func(batch Batch, _ int) batchJob {
		return batchJob{scheduler: s, batch: batch}
	})

	pool := NewWorkerPool[batchJob, batchOutcome](s.opts.Concurrency, s.logger)
	resultCh := pool.Process(ctx, jobs, s.opts.BatchTimeout)

	outcomes := make([]batchOutcome, 0, len(batches))
	for result := range resultCh {
		outcomes = append(outcomes, result.Result)
	}

	return outcomes
}

type batchJob struct {
	scheduler *Scheduler
	batch     Batch
}

func (j batchJob) Process(ctx context.Context) (batchOutcome, error) {
	outcome := j.scheduler.processBatch(ctx, j.batch)
	return outcome, outcome.err
}

type batchOutcome struct {
	batch    Batch
	results  []AnalysisResult
	failures []Failure
	response *ai.Response
	err      error
}

// processBatch runs one batch through the sequential pipeline. Results
// are cached before they are returned, so a success visible to the
// caller is always a cached success.
func (s *Scheduler) processBatch(ctx context.Context, batch Batch) batchOutcome {
	if s.progress != nil {
		s.progress.BatchStarted(batch.UserID, batch.ID, len(batch.Members))
	}

	prompt := s.builder.Build(batch)
	s.logger.Debug("Sending batch",
		"batch", batch.ID,
		"emails", len(batch.Members),
		"estimatedTokens", batch.EstimatedTokens,
		"promptTokens", prompt.EstimatedTokens,
	)

	resp, err := s.gateway.Send(ctx, prompt.System, prompt.User, s.opts.Model)
	if err != nil {
		return s.failWholeBatch(batch, nil, err)
	}

	stats := CallStats{
		Model:            s.opts.Model,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		Cost:             resp.Cost,
	}

	results, unparsedIDs, err := s.parser.Parse(resp.Text, batch, stats)
	if err != nil {
		return s.failWholeBatch(batch, resp, err)
	}

	failures := lo.Map(unparsedIDs, func(id string, _ int) Failure {
		return Failure{
			EmailID: id,
			Reason:  ReasonUnparsed,
			Message: (&UnparsedEmailError{EmailID: id}).Error(),
		}
	})

	stored := make([]AnalysisResult, 0, len(results))
	for _, result := range results {
		if err := s.store.Store(ctx, result, s.opts.TTL); err != nil {
			writeErr := &CacheWriteError{EmailID: result.EmailID, Err: err}
			s.logger.Warn("Dropping result after cache write failure", "email", result.EmailID, "error", err)
			failures = append(failures, Failure{
				EmailID: result.EmailID,
				Reason:  ReasonCacheWrite,
				Message: trimErrorMessage(writeErr),
			})
			continue
		}
		stored = append(stored, result)
	}

	if s.progress != nil {
		s.progress.BatchFinished(batch.UserID, batch.ID, len(stored), len(failures))
	}

	return batchOutcome{batch: batch, results: stored, failures: failures, response: resp}
}

func (s *Scheduler) failWholeBatch(batch Batch, resp *ai.Response, cause error) batchOutcome {
	failure := &BatchFailure{BatchID: batch.ID, EmailIDs: batch.EmailIDs(), Cause: cause}
	s.logger.Warn("Batch failed", "batch", batch.ID, "emails", len(batch.Members), "error", cause)

	if s.progress != nil {
		s.progress.BatchFailed(batch.UserID, batch.ID, string(reasonForError(cause)))
	}

	return batchOutcome{
		batch:    batch,
		failures: failBatch(batch, cause),
		response: resp,
		err:      failure,
	}
}

func dedupeByID(emails []EmailRecord) []EmailRecord {
	seen := make(map[string]bool, len(emails))
	unique := make([]EmailRecord, 0, len(emails))
	for _, rec := range emails {
		if rec.ID == "" || seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true
		unique = append(unique, rec)
	}
	return unique
}
