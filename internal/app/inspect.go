package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"respire/internal/config"
	"respire/internal/storage"
	logx "respire/pkg/logx"
	"respire/pkg/respire"
)

// ErrStorageDisabled is returned by OpenStore when the config has no store.
var ErrStorageDisabled = errors.New("storage is disabled")

// OpenStore opens the store configured in cfg.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	scfg, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, ErrStorageDisabled
	}
	return storage.Open(scfg, log)
}

// InspectRow is the persisted record of one tagged mode.
type InspectRow struct {
	Mode           string
	Tag            string
	LastTrigger    uint32
	CumulativeWait uint32
	JitterTarget   uint32
	Found          bool
}

// Inspection is what a store holds for a config's tree.
type Inspection struct {
	Prefix   string
	Rows     []InspectRow
	Boots    uint32
	LastBoot uint32
	// Orphans are keys with the prefix that no tagged mode owns.
	Orphans []string
}

// Inspect reads the persisted counters of every tagged mode without
// starting a context.
func Inspect(ctx context.Context, cfg *config.Config, st storage.Store) (Inspection, error) {
	tree, err := config.BuildTree(cfg.Modes)
	if err != nil {
		return Inspection{}, err
	}
	prefix := strings.TrimSpace(cfg.Engine.KeyPrefix)
	if prefix == "" {
		prefix = respire.DefaultKeyPrefix
	}
	out := Inspection{Prefix: prefix}
	owned := map[string]bool{respire.AppKey(prefix): true}

	load := func(key string) (uint32, bool, error) {
		owned[key] = true
		v, err := st.LoadUint32(ctx, key)
		if errors.Is(err, respire.ErrNotFound) {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, fmt.Errorf("load %s: %w", key, err)
		}
		return v, true, nil
	}

	for _, m := range tree.Tagged() {
		keys := respire.KeysFor(prefix, m.StorageTag())
		row := InspectRow{Mode: m.Path(), Tag: m.StorageTag()}
		var found bool
		if row.LastTrigger, found, err = load(keys.LastTrigger); err != nil {
			return out, err
		}
		row.Found = found
		if row.CumulativeWait, found, err = load(keys.CumulativeWait); err != nil {
			return out, err
		}
		row.Found = row.Found || found
		if row.JitterTarget, _, err = load(keys.JitterTarget); err != nil {
			return out, err
		}
		out.Rows = append(out.Rows, row)
	}

	blob, err := st.LoadBytes(ctx, respire.AppKey(prefix))
	switch {
	case errors.Is(err, respire.ErrNotFound):
	case err != nil:
		return out, fmt.Errorf("load %s: %w", respire.AppKey(prefix), err)
	default:
		var s AppState
		if err := s.UnmarshalBinary(blob); err != nil {
			return out, err
		}
		out.Boots, out.LastBoot = s.Boots, s.LastBoot
	}

	keys, err := st.Keys(ctx)
	if err != nil {
		return out, err
	}
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) && !owned[k] {
			out.Orphans = append(out.Orphans, k)
		}
	}
	return out, nil
}
