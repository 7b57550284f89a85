package storage

import (
	"context"
	"errors"
	"strings"

	logx "beacon/pkg/logx"
)

// Store is the journal API used by the sink and the uploader.
type Store interface {
	AppendFailure(ctx context.Context, e FailureEntry) error
	// RecentFailures returns up to n entries, oldest first.
	RecentFailures(ctx context.Context, n int) ([]FailureEntry, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("component", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
