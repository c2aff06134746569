// Package cache persists finalized analysis results in a namespaced,
// TTL-expiring store. Results are serialized as JSON and transparently
// gzip-compressed once they cross a size threshold.
package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/inboxsense/inboxsense/pkg/analysis"
	"github.com/inboxsense/inboxsense/pkg/db"
)

// compressThreshold is the serialized size in bytes above which
// payloads are gzipped before storage.
const compressThreshold = 1024

var _ analysis.ResultStore = (*ResultCache)(nil)

// ResultCache stores AnalysisResult values keyed by (userID, emailID).
type ResultCache struct {
	logger *log.Logger
	store  *db.Store
}

func New(logger *log.Logger, store *db.Store) *ResultCache {
	return &ResultCache{logger: logger, store: store}
}

// Store serializes the result and writes it under the user's
// namespace, replacing any previous entry for the same email.
func (c *ResultCache) Store(ctx context.Context, result analysis.AnalysisResult, ttl time.Duration) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("serializing result for email %s: %w", result.EmailID, err)
	}

	compressed := false
	if len(payload) >= compressThreshold {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(payload); err != nil {
			return fmt.Errorf("compressing result for email %s: %w", result.EmailID, err)
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("compressing result for email %s: %w", result.EmailID, err)
		}
		payload = buf.Bytes()
		compressed = true
	}

	storedAt := result.AnalyzedAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}

	entry := db.Entry{
		Namespace:  result.UserID,
		Key:        result.EmailID,
		Payload:    payload,
		Compressed: compressed,
		StoredAt:   storedAt,
		ExpiresAt:  storedAt.Add(ttl),
	}
	if err := c.store.Put(ctx, entry); err != nil {
		return fmt.Errorf("writing result for email %s: %w", result.EmailID, err)
	}

	return nil
}

// Get returns the cached result for (userID, emailID), or nil when no
// non-expired entry exists.
func (c *ResultCache) Get(ctx context.Context, userID, emailID string) (*analysis.AnalysisResult, error) {
	entry, err := c.store.Get(ctx, userID, emailID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}

	result, err := c.decode(*entry)
	if err != nil {
		return nil, fmt.Errorf("decoding cached result %s/%s: %w", userID, emailID, err)
	}

	return result, nil
}

// Exists reports whether a non-expired result is cached for
// (userID, emailID).
func (c *ResultCache) Exists(ctx context.Context, userID, emailID string) (bool, error) {
	return c.store.Exists(ctx, userID, emailID)
}

// ListForUser returns the user's cached results, newest first.
// Entries that fail to decode are skipped with a warning rather than
// failing the whole listing.
func (c *ResultCache) ListForUser(ctx context.Context, userID string, since time.Time, limit int) ([]analysis.AnalysisResult, error) {
	entries, err := c.store.List(ctx, userID, since, limit)
	if err != nil {
		return nil, err
	}

	results := make([]analysis.AnalysisResult, 0, len(entries))
	for _, entry := range entries {
		result, err := c.decode(entry)
		if err != nil {
			c.logger.Warn("Skipping undecodable cache entry", "namespace", entry.Namespace, "key", entry.Key, "error", err)
			continue
		}
		results = append(results, *result)
	}

	return results, nil
}

// Delete removes the cached result for (userID, emailID). Idempotent.
func (c *ResultCache) Delete(ctx context.Context, userID, emailID string) error {
	return c.store.Delete(ctx, userID, emailID)
}

// ClearUser removes every cached result of the user. Idempotent.
func (c *ResultCache) ClearUser(ctx context.Context, userID string) error {
	return c.store.DeleteNamespace(ctx, userID)
}

func (c *ResultCache) decode(entry db.Entry) (*analysis.AnalysisResult, error) {
	payload := entry.Payload
	if entry.Compressed {
		gz, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("opening compressed payload: %w", err)
		}
		decompressed, err := io.ReadAll(gz)
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		payload = decompressed
	}

	var result analysis.AnalysisResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("unmarshaling payload: %w", err)
	}

	return &result, nil
}
