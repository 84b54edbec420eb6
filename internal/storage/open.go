package storage

import (
	"context"
	"errors"
	"strings"

	logx "jobcore/pkg/logx"
)

// Store is the archive API used by the app.
type Store interface {
	Append(ctx context.Context, r Record) error
	// Recent returns up to limit records of queue, newest first. An empty
	// queue matches every queue.
	Recent(ctx context.Context, queue string, limit int) ([]Record, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if the archive is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = DefaultMaxRecords
	}
	log = log.With(logx.String("comp", "archive"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown archive driver: " + driver)
	}
}
