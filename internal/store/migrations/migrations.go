// Package migrations applies the embedded SQL schema with goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/pressly/goose/v3"
)

const TableName = "taskqueue_schema_migrations"

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// goose keeps dialect and base FS in package globals.
var mu sync.Mutex

type slogGooseLogger struct {
	logger *slog.Logger
}

func (l *slogGooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

// Fatalf logs instead of exiting; the error is returned by Up.
func (l *slogGooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

// Up applies all pending migrations for dialect ("postgres" or "sqlite3").
func Up(ctx context.Context, db *sql.DB, dialect string, logger *slog.Logger) error {
	dir, err := dirFor(dialect)
	if err != nil {
		return err
	}
	if logger == nil {
		logger = slog.Default()
	}
	sub, err := fs.Sub(files, dir)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()

	goose.SetLogger(&slogGooseLogger{logger: logger.With("component", "migrations", "dialect", dialect)})
	goose.SetBaseFS(sub)
	defer goose.SetBaseFS(nil)
	goose.SetTableName(TableName)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("migrations: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}

func dirFor(dialect string) (string, error) {
	switch dialect {
	case "postgres":
		return "postgres", nil
	case "sqlite3":
		return "sqlite", nil
	default:
		return "", fmt.Errorf("migrations: unsupported dialect %q", dialect)
	}
}
