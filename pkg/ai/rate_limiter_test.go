package ai

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowsBurstThenBlocks(t *testing.T) {
	rl := NewRateLimiter(3, time.Hour)
	defer rl.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, rl.Wait(ctx))
	}

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := rl.Wait(blocked)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(2, 100*time.Millisecond)
	defer rl.Stop()

	ctx := context.Background()
	require.NoError(t, rl.Wait(ctx))
	require.NoError(t, rl.Wait(ctx))

	// One token refills every window/limit = 50ms.
	refillCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	assert.NoError(t, rl.Wait(refillCtx))
}

func TestRateLimiterStopReleasesWaiters(t *testing.T) {
	rl := NewRateLimiter(1, time.Hour)
	require.NoError(t, rl.Wait(context.Background()))

	done := make(chan error, 1)
	go func() {
		done <- rl.Wait(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	rl.Stop()
	rl.Stop() // safe to call twice

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Stop")
	}
}
