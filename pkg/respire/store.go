package respire

import (
	"context"
	"slices"
	"sync"
)

// Store is the non-volatile medium checkpoints are written to.
//
// Loads of absent keys return ErrNotFound. Implementations must be safe for
// concurrent use; the engine only writes during Checkpoint.
type Store interface {
	LoadUint32(ctx context.Context, key string) (uint32, error)
	StoreUint32(ctx context.Context, key string, v uint32) error
	LoadBytes(ctx context.Context, key string) ([]byte, error)
	StoreBytes(ctx context.Context, key string, b []byte) error
}

// MemoryStore keeps everything in maps. It survives a Context, not a process.
type MemoryStore struct {
	mu    sync.RWMutex
	ints  map[string]uint32
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ints: map[string]uint32{}, blobs: map[string][]byte{}}
}

func (s *MemoryStore) LoadUint32(_ context.Context, key string) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.ints[key]
	if !ok {
		return 0, ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) StoreUint32(_ context.Context, key string, v uint32) error {
	s.mu.Lock()
	s.ints[key] = v
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LoadBytes(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(b), nil
}

func (s *MemoryStore) StoreBytes(_ context.Context, key string, b []byte) error {
	s.mu.Lock()
	s.blobs[key] = slices.Clone(b)
	s.mu.Unlock()
	return nil
}

// Uint32 returns a stored integer without a context; handy in tests.
func (s *MemoryStore) Uint32(key string) (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.ints[key]
	return v, ok
}

// Keys lists integer and blob keys in sorted order.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.ints)+len(s.blobs))
	for k := range s.ints {
		keys = append(keys, k)
	}
	for k := range s.blobs {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	slices.Sort(keys)
	return slices.Compact(keys)
}
