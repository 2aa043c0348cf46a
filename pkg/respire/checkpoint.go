package respire

import (
	"context"
	"errors"
	"fmt"

	"respire/pkg/logx"
)

// DefaultKeyPrefix starts every Store key written by a Context.
const DefaultKeyPrefix = "R"

// Keys are the Store keys of one tagged mode.
type Keys struct {
	LastTrigger    string
	CumulativeWait string
	JitterTarget   string
}

// KeysFor derives the keys for tag, e.g. "RmytagLT" and "RmytagCW".
func KeysFor(prefix, tag string) Keys {
	base := prefix + tag
	return Keys{
		LastTrigger:    base + "LT",
		CumulativeWait: base + "CW",
		JitterTarget:   base + "JT",
	}
}

// AppKey is where a Persistent state's blob is stored.
func AppKey(prefix string) string { return prefix + "#app" }

type checkpointEntry struct {
	keys   Keys
	lt, cw uint32
	jt     uint32
}

// Checkpoint writes LastTrigger and CumulativeWait of every tagged mode in
// state to store. Under JitterEveryWindow the current window target is
// written as well. A Persistent state also stores its blob.
//
// The values are read under the engine lock and written after it is
// released, so a slow Store never delays Loop or Complete.
func (c *Context[S]) Checkpoint(ctx context.Context, state S, store Store) error {
	if store == nil {
		return ErrNoStore
	}

	c.mu.Lock()
	ms := state.Modes()
	entries := make([]checkpointEntry, 0, len(c.tree.tagged))
	for _, m := range c.tree.tagged {
		rt := ms.At(m)
		e := checkpointEntry{keys: KeysFor(c.prefix, m.tag), lt: rt.LastTrigger, cw: rt.CumulativeWait}
		if c.policy == JitterEveryWindow && c.timed(m) && m.id < len(c.books) {
			e.jt = c.books[m.id].target
		}
		entries = append(entries, e)
	}
	var blob []byte
	var blobErr error
	if p, ok := any(state).(Persistent); ok {
		blob, blobErr = p.MarshalBinary()
	}
	c.mu.Unlock()

	if blobErr != nil {
		return fmt.Errorf("respire: marshal app state: %w", blobErr)
	}

	var errs []error
	put := func(key string, v uint32) {
		if err := store.StoreUint32(ctx, key, v); err != nil {
			errs = append(errs, fmt.Errorf("store %s: %w", key, err))
		}
	}
	for _, e := range entries {
		put(e.keys.LastTrigger, e.lt)
		put(e.keys.CumulativeWait, e.cw)
		if e.jt != 0 {
			put(e.keys.JitterTarget, e.jt)
		}
	}
	if blob != nil {
		if err := store.StoreBytes(ctx, AppKey(c.prefix), blob); err != nil {
			errs = append(errs, fmt.Errorf("store %s: %w", AppKey(c.prefix), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("respire: checkpoint: %w", err)
	}
	c.log.Trace("checkpoint written", logx.Int("modes", len(entries)))
	return nil
}

// Save checkpoints the live state.
func (c *Context[S]) Save(ctx context.Context, store Store) error {
	return c.Checkpoint(ctx, c.Snapshot(), store)
}

// Restore loads persisted counters into the live state. Init calls it when
// given a store; calling it directly is only useful between Init and Begin.
func (c *Context[S]) Restore(ctx context.Context, store Store) error {
	if store == nil {
		return ErrNoStore
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return ErrNotInitialized
	}
	return c.restoreLocked(ctx, store)
}

func (c *Context[S]) restoreLocked(ctx context.Context, store Store) error {
	if p, ok := any(c.state).(Persistent); ok {
		blob, err := store.LoadBytes(ctx, AppKey(c.prefix))
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return fmt.Errorf("respire: load app state: %w", err)
		default:
			if err := p.UnmarshalBinary(blob); err != nil {
				return fmt.Errorf("respire: unmarshal app state: %w", err)
			}
		}
	}

	ms := c.state.Modes()
	ms.Grow(c.tree.Len())
	for _, m := range c.tree.tagged {
		keys := KeysFor(c.prefix, m.tag)
		rt := ms.Get(m)

		lt, err := loadOrZero(ctx, store, keys.LastTrigger)
		if err != nil {
			return err
		}
		cw, err := loadOrZero(ctx, store, keys.CumulativeWait)
		if err != nil {
			return err
		}
		rt.LastTrigger = lt
		rt.CumulativeWait = cw

		if m.id < len(c.books) {
			jt, err := loadOrZero(ctx, store, keys.JitterTarget)
			if err != nil {
				return err
			}
			c.books[m.id].restored = jt
		}
		c.log.Debug("restored mode",
			logx.String("mode", m.Path()),
			logx.Uint32("lt", lt),
			logx.Uint32("cw", cw),
		)
	}
	return nil
}

func loadOrZero(ctx context.Context, store Store, key string) (uint32, error) {
	v, err := store.LoadUint32(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("respire: load %s: %w", key, err)
	}
	return v, nil
}
