package cache

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxsense/inboxsense/pkg/analysis"
	"github.com/inboxsense/inboxsense/pkg/db"
)

var testBase = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T) (*ResultCache, *db.Store) {
	t.Helper()

	logger := log.New(io.Discard)
	store, err := db.NewStore(context.Background(), logger, filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	// Pin the clock so visibility never depends on the wall time the
	// test happens to run at.
	store.Now = func() time.Time { return testBase }

	return New(logger, store), store
}

func sampleResult(userID, emailID string, analyzedAt time.Time) analysis.AnalysisResult {
	return analysis.AnalysisResult{
		EmailID:       emailID,
		UserID:        userID,
		Summary:       "Customer asks for an updated invoice.",
		ActionItems:   []string{"Send the corrected invoice", "Confirm the billing address"},
		PriorityScore: 0.7,
		AnalyzedAt:    analyzedAt,
		ModelVersion:  "gpt-4.1-mini",
		TokenCost:     180,
		MonetaryCost:  decimal.RequireFromString("0.00042"),
	}
}

func TestResultCacheRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	original := sampleResult("user-a", "e1", testBase)
	require.NoError(t, c.Store(ctx, original, 24*time.Hour))

	got, err := c.Get(ctx, "user-a", "e1")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, original.EmailID, got.EmailID)
	assert.Equal(t, original.UserID, got.UserID)
	assert.Equal(t, original.Summary, got.Summary)
	assert.Equal(t, original.ActionItems, got.ActionItems)
	assert.Equal(t, original.PriorityScore, got.PriorityScore)
	assert.Equal(t, original.ModelVersion, got.ModelVersion)
	assert.Equal(t, original.TokenCost, got.TokenCost)
	assert.True(t, original.MonetaryCost.Equal(got.MonetaryCost))
	assert.True(t, original.AnalyzedAt.Equal(got.AnalyzedAt))
}

func TestResultCacheGetAbsent(t *testing.T) {
	c, _ := newTestCache(t)

	got, err := c.Get(context.Background(), "user-a", "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	exists, err := c.Exists(context.Background(), "user-a", "missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestResultCacheSmallPayloadStoredRaw(t *testing.T) {
	c, store := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, sampleResult("user-a", "e1", testBase), 24*time.Hour))

	entry, err := store.Get(ctx, "user-a", "e1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.False(t, entry.Compressed)
	assert.Contains(t, string(entry.Payload), "updated invoice")
}

func TestResultCacheLargePayloadCompressed(t *testing.T) {
	c, store := newTestCache(t)
	ctx := context.Background()

	big := sampleResult("user-a", "e1", testBase)
	big.Summary = strings.Repeat("A very long summary that does not fit the raw threshold. ", 100)
	require.NoError(t, c.Store(ctx, big, 24*time.Hour))

	entry, err := store.Get(ctx, "user-a", "e1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Compressed)
	assert.Less(t, len(entry.Payload), len(big.Summary), "repetitive payloads must shrink")

	got, err := c.Get(ctx, "user-a", "e1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, big.Summary, got.Summary)
}

func TestResultCacheOverwrite(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	first := sampleResult("user-a", "e1", testBase)
	require.NoError(t, c.Store(ctx, first, 24*time.Hour))

	second := first
	second.Summary = "Replaced after re-analysis."
	second.AnalyzedAt = testBase.Add(time.Hour)
	require.NoError(t, c.Store(ctx, second, 24*time.Hour))

	got, err := c.Get(ctx, "user-a", "e1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Replaced after re-analysis.", got.Summary)
}

func TestResultCacheExpiry(t *testing.T) {
	c, store := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, sampleResult("user-a", "e1", testBase), 24*time.Hour))

	store.Now = func() time.Time { return testBase.Add(23 * time.Hour) }
	got, err := c.Get(ctx, "user-a", "e1")
	require.NoError(t, err)
	assert.NotNil(t, got, "entry is alive until the ttl elapses")

	store.Now = func() time.Time { return testBase.Add(25 * time.Hour) }

	got, err = c.Get(ctx, "user-a", "e1")
	require.NoError(t, err)
	assert.Nil(t, got)

	exists, err := c.Exists(ctx, "user-a", "e1")
	require.NoError(t, err)
	assert.False(t, exists)

	results, err := c.ListForUser(ctx, "user-a", time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestResultCacheListNewestFirst(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	for i, id := range []string{"e1", "e2", "e3"} {
		result := sampleResult("user-a", id, testBase.Add(time.Duration(i)*time.Minute))
		require.NoError(t, c.Store(ctx, result, 24*time.Hour))
	}

	results, err := c.ListForUser(ctx, "user-a", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "e3", results[0].EmailID)
	assert.Equal(t, "e2", results[1].EmailID)
	assert.Equal(t, "e1", results[2].EmailID)

	limited, err := c.ListForUser(ctx, "user-a", time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "e3", limited[0].EmailID)

	recent, err := c.ListForUser(ctx, "user-a", testBase.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "e3", recent[0].EmailID)
	assert.Equal(t, "e2", recent[1].EmailID)
}

func TestResultCacheListSkipsCorruptEntries(t *testing.T) {
	c, store := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, sampleResult("user-a", "e1", testBase), 24*time.Hour))
	require.NoError(t, store.Put(ctx, db.Entry{
		Namespace: "user-a",
		Key:       "junk",
		Payload:   []byte("definitely not json"),
		StoredAt:  testBase,
		ExpiresAt: testBase.Add(24 * time.Hour),
	}))

	results, err := c.ListForUser(ctx, "user-a", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "e1", results[0].EmailID)

	_, err = c.Get(ctx, "user-a", "junk")
	assert.Error(t, err)
}

func TestResultCacheDeleteAndClear(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, sampleResult("user-a", "e1", testBase), 24*time.Hour))
	require.NoError(t, c.Store(ctx, sampleResult("user-a", "e2", testBase), 24*time.Hour))
	require.NoError(t, c.Store(ctx, sampleResult("user-b", "e1", testBase), 24*time.Hour))

	require.NoError(t, c.Delete(ctx, "user-a", "e1"))
	got, err := c.Get(ctx, "user-a", "e1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting again is fine.
	require.NoError(t, c.Delete(ctx, "user-a", "e1"))

	require.NoError(t, c.ClearUser(ctx, "user-a"))
	results, err := c.ListForUser(ctx, "user-a", time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, results)

	// The other user's entries are untouched.
	other, err := c.Get(ctx, "user-b", "e1")
	require.NoError(t, err)
	assert.NotNil(t, other)
}
