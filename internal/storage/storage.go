// Package storage persists the dispatch audit log.
//
// The audit log is the durable record of every device command (scheduled or
// manual) and its outcome; scheduled failures have no synchronous observer,
// so this plus logs is where they surface.
package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

type Config struct {
	Enabled       bool
	Path          string
	BusyTimeout   time.Duration
	RetentionDays int
}

// Entry is one completed dispatch.
type Entry struct {
	At     time.Time `json:"at"`
	Source string    `json:"source"`
	Op     string    `json:"op"`
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
	TookMS int64     `json:"took_ms"`
}

// Store appends and reads audit entries.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Open returns the configured store, or a no-op store when disabled.
func Open(cfg Config) (Store, error) {
	if !cfg.Enabled {
		return noopStore{}, nil
	}
	return openSQLite(cfg)
}

type noopStore struct{}

func (noopStore) Append(context.Context, Entry) error          { return nil }
func (noopStore) Recent(context.Context, int) ([]Entry, error) { return []Entry{}, nil }
func (noopStore) Close() error                                 { return nil }
