package storage

import (
	"errors"
	"maps"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local map, nothing survives a restart
//   - "file": JSON snapshot + jsonl journal
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is the persisted form of one job: task configuration keys plus
// schedule keys, all string valued.
type Record map[string]string

// Clone returns an independent copy.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// Well-known meta keys.
const (
	MetaLastShutdown = "scheduler.lastShutdown"
)
