// Package store opens a queue.Backend from a DSN.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"taskqueue/internal/queue"
	"taskqueue/internal/store/memory"
	"taskqueue/internal/store/postgres"
	redisstore "taskqueue/internal/store/redis"
	"taskqueue/internal/store/sqlite"
)

// Kind names the backend a DSN selects.
func Kind(dsn string) (string, error) {
	switch {
	case dsn == "memory://" || dsn == "memory:" || dsn == "memory":
		return "memory", nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres", nil
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		return "redis", nil
	case strings.HasPrefix(dsn, "sqlite://"), strings.HasPrefix(dsn, "file:"):
		return "sqlite", nil
	default:
		return "", fmt.Errorf("%w: unsupported store dsn %q", queue.ErrInvalidArgument, redactDSN(dsn))
	}
}

// Open connects to the backend the DSN selects. SQL backends are migrated
// when migrate is true; sqlite always applies its schema on open.
func Open(ctx context.Context, dsn string, migrate bool, logger *slog.Logger) (queue.Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	kind, err := Kind(dsn)
	if err != nil {
		return nil, err
	}
	logger.Info("opening store", "backend", kind, "dsn", redactDSN(dsn))

	switch kind {
	case "memory":
		return memory.New(), nil
	case "postgres":
		s, err := postgres.Open(ctx, dsn, postgres.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := s.Migrate(ctx); err != nil {
				s.Close()
				return nil, err
			}
		}
		return s, nil
	case "redis":
		return redisstore.Open(ctx, dsn, redisstore.WithLogger(logger))
	default:
		path := strings.TrimPrefix(dsn, "sqlite://")
		return sqlite.Open(ctx, path, sqlite.WithLogger(logger))
	}
}

// redactDSN hides the password of URL-shaped DSNs.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return dsn
	}
	userinfo := rest[:at]
	if user, _, hasPass := strings.Cut(userinfo, ":"); hasPass {
		userinfo = user + ":xxxxx"
	}
	return scheme + "://" + userinfo + rest[at:]
}
