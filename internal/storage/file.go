package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	logx "respire/pkg/logx"
	"respire/pkg/respire"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal)
//
// The journal is replayed over the snapshot at open and periodically
// compacted into it.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File

	ints  map[string]uint32
	blobs map[string][]byte

	writes       int
	compactEvery int
}

type fileSnapshot struct {
	Ints  map[string]uint32 `json:"ints"`
	Blobs map[string][]byte `json:"blobs"`
}

type journalRecord struct {
	Key  string  `json:"key"`
	U32  *uint32 `json:"u32,omitempty"`
	Blob []byte  `json:"blob"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	s := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		ints:         map[string]uint32{},
		blobs:        map[string][]byte{},
		compactEvery: cfg.CompactEvery,
	}
	if s.compactEvery <= 0 {
		s.compactEvery = 1000
	}

	if err := s.loadSnapshot(snapPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot unreadable, starting from journal only", logx.String("path", snapPath), logx.Err(err))
	}
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journalFile = jf
	// Fold the replayed journal into the snapshot so a torn tail is not
	// followed by new records on the same line.
	if err := s.compactLocked(); err != nil {
		log.Warn("journal compact failed", logx.Err(err))
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("keys", len(s.ints)+len(s.blobs)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	errCompact := s.compactLocked()
	err := s.journalFile.Close()
	s.journalFile = nil
	if errCompact != nil {
		return errCompact
	}
	return err
}

func (s *fileStore) LoadUint32(ctx context.Context, key string) (uint32, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.ints[key]
	if !ok {
		return 0, respire.ErrNotFound
	}
	return v, nil
}

func (s *fileStore) StoreUint32(ctx context.Context, key string, v uint32) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Key: key, U32: &v}); err != nil {
		return err
	}
	s.ints[key] = v
	return nil
}

func (s *fileStore) LoadBytes(ctx context.Context, key string) ([]byte, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, respire.ErrNotFound
	}
	return slices.Clone(b), nil
}

func (s *fileStore) StoreBytes(ctx context.Context, key string, b []byte) error {
	_ = ctx
	b = slices.Clone(b)
	if b == nil {
		b = []byte{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Key: key, Blob: b}); err != nil {
		return err
	}
	s.blobs[key] = b
	return nil
}

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	keys := make([]string, 0, len(s.ints)+len(s.blobs))
	for k := range s.ints {
		keys = append(keys, k)
	}
	for k := range s.blobs {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	slices.Sort(keys)
	return slices.Compact(keys), nil
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if strings.TrimSpace(r.Key) == "" {
		return errors.New("storage: empty key")
	}
	if s.journalFile == nil {
		return errors.New("journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(fileSnapshot{Ints: s.ints, Blobs: s.blobs}); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for k, v := range snap.Ints {
		s.ints[k] = v
	}
	for k, v := range snap.Blobs {
		s.blobs[k] = v
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn final line after a power cut is expected.
			continue
		}
		if r.Key == "" {
			continue
		}
		switch {
		case r.U32 != nil:
			s.ints[r.Key] = *r.U32
		case r.Blob != nil:
			s.blobs[r.Key] = r.Blob
		}
	}
	return sc.Err()
}
