package storage

import (
	"context"
	"errors"
	"strings"

	logx "taskcore/pkg/logx"
)

// Store is the job store used by the scheduler.
//
// Keys are job keys (task ids). Records are copied on the way in and out;
// callers may mutate what they get back.
type Store interface {
	PutJob(ctx context.Context, key string, rec Record) error
	GetJob(ctx context.Context, key string) (Record, bool, error)
	// DeleteJob reports whether a record existed.
	DeleteJob(ctx context.Context, key string) (bool, error)
	ListJobs(ctx context.Context) (map[string]Record, error)

	PutMeta(ctx context.Context, key, value string) error
	GetMeta(ctx context.Context, key string) (string, bool, error)

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
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "memory", "mem":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
