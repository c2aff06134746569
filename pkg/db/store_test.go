package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dir := t.TempDir()
	logger := log.New(os.Stderr)
	store, err := NewStore(context.Background(), logger, filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

func testEntry(namespace, key string, storedAt time.Time, ttl time.Duration) Entry {
	return Entry{
		Namespace: namespace,
		Key:       key,
		Payload:   []byte(`{"value":"` + key + `"}`),
		StoredAt:  storedAt,
		ExpiresAt: storedAt.Add(ttl),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stored := time.Now().UTC().Truncate(time.Millisecond)
	entry := testEntry("user-a", "email-1", stored, time.Hour)
	require.NoError(t, store.Put(ctx, entry))

	got, err := store.Get(ctx, "user-a", "email-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.Payload, got.Payload)
	assert.False(t, got.Compressed)
	assert.WithinDuration(t, stored, got.StoredAt, time.Second)
}

func TestGetAbsent(t *testing.T) {
	store := newTestStore(t)

	got, err := store.Get(context.Background(), "user-a", "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := testEntry("user-a", "email-1", now, time.Hour)
	require.NoError(t, store.Put(ctx, first))

	second := first
	second.Payload = []byte(`{"value":"updated"}`)
	require.NoError(t, store.Put(ctx, second))

	got, err := store.Get(ctx, "user-a", "email-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.Payload, got.Payload)
}

func TestExpiryWithFakeClock(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	store.Now = func() time.Time { return now }

	entry := testEntry("user-a", "email-1", now, time.Hour)
	require.NoError(t, store.Put(ctx, entry))

	got, err := store.Get(ctx, "user-a", "email-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	exists, err := store.Exists(ctx, "user-a", "email-1")
	require.NoError(t, err)
	assert.True(t, exists)

	// Advance past the TTL: Get, Exists and List must all hide it.
	now = now.Add(time.Hour + time.Minute)

	got, err = store.Get(ctx, "user-a", "email-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	exists, err = store.Exists(ctx, "user-a", "email-1")
	require.NoError(t, err)
	assert.False(t, exists)

	entries, err := store.List(ctx, "user-a", time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, key := range []string{"oldest", "middle", "newest"} {
		entry := testEntry("user-a", key, base.Add(time.Duration(i)*time.Minute), 24*time.Hour)
		require.NoError(t, store.Put(ctx, entry))
	}

	entries, err := store.List(ctx, "user-a", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "newest", entries[0].Key)
	assert.Equal(t, "middle", entries[1].Key)
	assert.Equal(t, "oldest", entries[2].Key)
}

func TestListSinceAndLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		entry := testEntry("user-a", string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute), 24*time.Hour)
		require.NoError(t, store.Put(ctx, entry))
	}

	entries, err := store.List(ctx, "user-a", base.Add(2*time.Minute), 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "since bound should drop the two oldest")

	entries, err = store.List(ctx, "user-a", time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "e", entries[0].Key)
	assert.Equal(t, "d", entries[1].Key)
}

func TestNamespaceIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Put(ctx, testEntry("user-a", "email-1", now, time.Hour)))
	require.NoError(t, store.Put(ctx, testEntry("user-b", "email-1", now, time.Hour)))

	got, err := store.Get(ctx, "user-b", "email-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, store.DeleteNamespace(ctx, "user-a"))

	got, err = store.Get(ctx, "user-a", "email-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = store.Get(ctx, "user-b", "email-1")
	require.NoError(t, err)
	assert.NotNil(t, got, "clearing user-a must not touch user-b")
}

func TestDeleteIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testEntry("user-a", "email-1", time.Now().UTC(), time.Hour)))
	require.NoError(t, store.Delete(ctx, "user-a", "email-1"))
	require.NoError(t, store.Delete(ctx, "user-a", "email-1"))
	require.NoError(t, store.DeleteNamespace(ctx, "user-a"))
	require.NoError(t, store.DeleteNamespace(ctx, "never-existed"))
}

func TestPurgeExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	store.Now = func() time.Time { return now }

	require.NoError(t, store.Put(ctx, testEntry("user-a", "fresh", now, 2*time.Hour)))
	require.NoError(t, store.Put(ctx, testEntry("user-a", "stale-1", now, time.Minute)))
	require.NoError(t, store.Put(ctx, testEntry("user-b", "stale-2", now, time.Minute)))

	now = now.Add(time.Hour)

	purged, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	entries, err := store.List(ctx, "user-a", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh", entries[0].Key)
}
