package storage

import (
	"context"
	"fmt"
	"strings"

	logx "respire/pkg/logx"
	"respire/pkg/respire"
)

type opener func(Config, logx.Logger) (Store, error)

// drivers maps every accepted driver name, aliases included, to its opener.
var drivers = map[string]opener{
	"memory":  func(Config, logx.Logger) (Store, error) { return NewMemory(), nil },
	"mem":     func(Config, logx.Logger) (Store, error) { return NewMemory(), nil },
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Disabled reports whether driver names no backend at all.
func Disabled(driver string) bool {
	d := strings.TrimSpace(driver)
	return d == "" || strings.EqualFold(d, "none")
}

// Open initializes the configured store. A disabled driver yields (nil, nil).
func Open(cfg Config, log logx.Logger) (Store, error) {
	if Disabled(cfg.Driver) {
		return nil, nil
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage driver: %s", name)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(cfg, log.With(logx.String("comp", "storage"), logx.String("driver", name)))
}

// memoryStore adapts respire.MemoryStore to Store.
type memoryStore struct {
	*respire.MemoryStore
}

func NewMemory() Store {
	return memoryStore{respire.NewMemoryStore()}
}

func (m memoryStore) Keys(context.Context) ([]string, error) { return m.MemoryStore.Keys(), nil }

func (memoryStore) Close() error { return nil }
