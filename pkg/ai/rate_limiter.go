package ai

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket that paces completion calls so the
// provider's request-per-window limit is respected locally instead of
// being discovered through 429 responses.
type RateLimiter struct {
	tokens   chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter allows limit calls per window. The bucket starts full
// and refills one token per window/limit interval.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	tokens := make(chan struct{}, limit)
	for i := 0; i < limit; i++ {
		tokens <- struct{}{}
	}

	rl := &RateLimiter{
		tokens:  tokens,
		stopped: make(chan struct{}),
	}

	go rl.refill(window / time.Duration(limit))

	return rl
}

// Wait blocks until a token is available, the context is canceled or
// the limiter is stopped.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	select {
	case <-rl.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-rl.stopped:
		return context.Canceled
	}
}

// Stop shuts down the refill goroutine and releases all waiters.
// Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopped)
	})
}

func (rl *RateLimiter) refill(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			select {
			case rl.tokens <- struct{}{}:
			default:
				// Bucket full, skip this refill.
			}
		case <-rl.stopped:
			return
		}
	}
}
