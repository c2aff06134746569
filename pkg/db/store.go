package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite-backed key-value store with per-entry expiry.
// Keys are scoped by namespace so one namespace can be listed or
// cleared without touching another. Expiry is lazy: reads filter on
// expires_at, and PurgeExpired reclaims the dead rows.
type Store struct {
	db     *sqlx.DB
	logger *log.Logger

	// Now is the clock used for expiry checks. Tests override it to
	// simulate the passage of time.
	Now func() time.Time
}

// Entry is one stored payload.
type Entry struct {
	Namespace  string    `db:"namespace"`
	Key        string    `db:"key"`
	Payload    []byte    `db:"payload"`
	Compressed bool      `db:"compressed"`
	StoredAt   time.Time `db:"stored_at"`
	ExpiresAt  time.Time `db:"expires_at"`
}

// NewStore opens (or creates) the database at dbPath and runs pending
// migrations.
func NewStore(ctx context.Context, logger *log.Logger, dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	database, err := sqlx.ConnectContext(ctx, "sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to SQLite: %w", err)
	}

	// WAL mode for concurrent readers alongside the writer
	if _, err := database.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if err := RunMigrations(database.DB, logger); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return &Store{db: database, logger: logger, Now: time.Now}, nil
}

// Put writes an entry, replacing any previous value under the same
// (namespace, key). Timestamps are normalized to UTC so that the
// driver's textual encoding compares consistently inside SQLite.
func (s *Store) Put(ctx context.Context, entry Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cache_entries (
			namespace,
			key,
			payload,
			compressed,
			stored_at,
			expires_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`,
		entry.Namespace,
		entry.Key,
		entry.Payload,
		entry.Compressed,
		entry.StoredAt.UTC(),
		entry.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storing entry %s/%s: %w", entry.Namespace, entry.Key, err)
	}

	return nil
}

// Get returns the entry under (namespace, key), or nil when it is
// absent or expired.
func (s *Store) Get(ctx context.Context, namespace, key string) (*Entry, error) {
	var entry Entry
	err := s.db.GetContext(ctx, &entry, `
		SELECT
			namespace,
			key,
			payload,
			compressed,
			stored_at,
			expires_at
		FROM cache_entries
		WHERE namespace = ? AND key = ? AND expires_at > ?
	`, namespace, key, s.Now().UTC())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("reading entry %s/%s: %w", namespace, key, err)
	}

	return &entry, nil
}

// Exists reports whether a non-expired entry is stored under
// (namespace, key). It is consistent with Get: whenever Get returns an
// entry, Exists reports true, and vice versa.
func (s *Store) Exists(ctx context.Context, namespace, key string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(1) FROM cache_entries
		WHERE namespace = ? AND key = ? AND expires_at > ?
	`, namespace, key, s.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("checking entry %s/%s: %w", namespace, key, err)
	}

	return count > 0, nil
}

// List returns non-expired entries of a namespace, newest first. A
// zero since returns entries of any age; limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, namespace string, since time.Time, limit int) ([]Entry, error) {
	query := `
		SELECT
			namespace,
			key,
			payload,
			compressed,
			stored_at,
			expires_at
		FROM cache_entries
		WHERE namespace = ? AND expires_at > ? AND stored_at >= ?
		ORDER BY stored_at DESC
	`
	args := []interface{}{namespace, s.Now().UTC(), since.UTC()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var entries []Entry
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("listing namespace %s: %w", namespace, err)
	}

	return entries, nil
}

// Delete removes the entry under (namespace, key). Deleting an absent
// entry is not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE namespace = ? AND key = ?
	`, namespace, key)
	if err != nil {
		return fmt.Errorf("deleting entry %s/%s: %w", namespace, key, err)
	}

	return nil
}

// DeleteNamespace removes every entry of a namespace. Idempotent.
func (s *Store) DeleteNamespace(ctx context.Context, namespace string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE namespace = ?
	`, namespace)
	if err != nil {
		return fmt.Errorf("clearing namespace %s: %w", namespace, err)
	}

	if rows, err := result.RowsAffected(); err == nil && rows > 0 {
		s.logger.Debug("Cleared namespace", "namespace", namespace, "entries", rows)
	}

	return nil
}

// PurgeExpired deletes rows whose expiry has passed and returns how
// many were removed. Reads never surface expired rows regardless, so
// this only reclaims space.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE expires_at <= ?
	`, s.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purging expired entries: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rows > 0 {
		s.logger.Debug("Purged expired cache entries", "count", rows)
	}

	return rows, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying sqlx.DB instance.
func (s *Store) DB() *sqlx.DB {
	return s.db
}
