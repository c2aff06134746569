package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io"
	logstd "log"

	"github.com/charmbracelet/log"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// RunMigrations runs all pending migrations automatically.
func RunMigrations(db *sql.DB, logger *log.Logger) error {
	// Goose's own logger is discarded; migration progress is reported
	// through our logger instead.
	goose.SetLogger(logstd.New(io.Discard, "", 0))
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}

	logger.Debug("Running database migrations")
	if err := goose.Up(db, "migrations"); err != nil {
		logger.Error("Database migrations failed", "error", err)
		return err
	}
	logger.Debug("Database migrations completed")
	return nil
}
