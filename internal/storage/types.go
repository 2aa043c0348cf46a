package storage

import (
	"context"
	"errors"
	"time"

	"respire/pkg/respire"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "memory": nothing survives the process
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver       string
	Path         string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	CompactEvery int           // file only; journal writes between compactions, 0 means 1000
}

// Store is a respire.Store that can also be listed and closed.
type Store interface {
	respire.Store
	// Keys lists every stored key in sorted order.
	Keys(ctx context.Context) ([]string, error)
	Close() error
}
