package analysis

import (
	"context"
	"sync"
	"time"
)

// Job is a unit of work executed by the pool.
type Job[T any] interface {
	Process(ctx context.Context) (T, error)
}

// poolLogger is the slice of a logger the pool needs; satisfied by
// *log.Logger and by test fakes.
type poolLogger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
}

// WorkerPool runs jobs across a bounded number of workers. Workers
// pull from a shared queue, so a slow job never blocks the rest of the
// backlog behind one worker.
type WorkerPool[J Job[R], R any] struct {
	workers int
	logger  poolLogger
}

func NewWorkerPool[J Job[R], R any](workers int, logger poolLogger) *WorkerPool[J, R] {
	return &WorkerPool[J, R]{workers: workers, logger: logger}
}

// ProcessResult pairs a job with its outcome.
type ProcessResult[J Job[R], R any] struct {
	Job    J
	Result R
	Error  error
}

// Process executes all jobs and returns a channel carrying one result
// per job. The channel closes once every worker has drained the queue
// or the context is canceled. Each job runs under its own timeout
// derived from ctx, so cancellation propagates to in-flight work.
func (wp *WorkerPool[J, R]) Process(ctx context.Context, jobs []J, timeout time.Duration) <-chan ProcessResult[J, R] {
	jobQueue := make(chan J, len(jobs))
	results := make(chan ProcessResult[J, R], len(jobs))

	for _, job := range jobs {
		jobQueue <- job
	}
	close(jobQueue)

	var wg sync.WaitGroup
	for i := 0; i < wp.workers; i++ {
		wg.Add(1)
		go wp.worker(ctx, i, jobQueue, results, timeout, &wg)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

func (wp *WorkerPool[J, R]) worker(
	ctx context.Context,
	id int,
	jobs <-chan J,
	results chan<- ProcessResult[J, R],
	timeout time.Duration,
	wg *sync.WaitGroup,
) {
	defer wg.Done()

	processed := 0
	for job := range jobs {
		start := time.Now()

		jobCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := job.Process(jobCtx)
		cancel()

		if err != nil {
			wp.logger.Debugf("Worker %d: job failed after %v: %v", id, time.Since(start), err)
		} else {
			wp.logger.Debugf("Worker %d: job completed in %v", id, time.Since(start))
			processed++
		}

		select {
		case results <- ProcessResult[J, R]{Job: job, Result: result, Error: err}:
		case <-ctx.Done():
			wp.logger.Infof("Worker %d: stopped after %d jobs", id, processed)
			return
		}
	}
}
