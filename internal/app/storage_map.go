package app

import (
	"fmt"
	"strings"
	"time"

	"respire/internal/config"
	"respire/internal/storage"
)

const defaultFileStorePath = "./data/respire"

// mapStorageConfig resolves the checkpoint store section. ok is false when
// checkpoints are not persisted at all.
func mapStorageConfig(cfg *config.Config) (sc storage.Config, ok bool, err error) {
	if cfg == nil || cfg.Storage == nil || storage.Disabled(cfg.Storage.Driver) {
		return storage.Config{}, false, nil
	}
	raw := cfg.Storage
	sc = storage.Config{
		Driver: strings.ToLower(strings.TrimSpace(raw.Driver)),
		Path:   strings.TrimSpace(raw.Path),
	}

	switch sc.Driver {
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, true, nil
	case "file":
		if raw.CompactEvery < 0 {
			return storage.Config{}, false, fmt.Errorf("storage.compact_every must be >= 0")
		}
		if sc.Path == "" {
			sc.Path = defaultFileStorePath
		}
		sc.CompactEvery = raw.CompactEvery
	case "sqlite", "sqlite3":
		if sc.Path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", sc.Driver)
		}
		if sc.BusyTimeout, err = config.ParseDurationOrDefault("storage.busy_timeout", raw.BusyTimeout, time.Second); err != nil {
			return storage.Config{}, false, err
		}
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", raw.Driver)
	}
	return sc, true, nil
}
