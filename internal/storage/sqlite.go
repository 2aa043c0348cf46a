package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "respire/pkg/logx"
	"respire/pkg/respire"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var schemaV1 string

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 1

// sqliteStore keeps integer counters and blobs in one kv table. A key holds
// at most one of each; loading the kind that was never written is ErrNotFound.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// sqliteDSN builds a modernc DSN with the pragmas applied on every connection.
func sqliteDSN(path string, busy time.Duration) string {
	q := url.Values{}
	if busy <= 0 {
		busy = time.Second
	}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return path + "?" + q.Encode()
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", sqliteDSN(path, cfg.BusyTimeout))
	if err != nil {
		return nil, err
	}
	// Checkpoints are tiny and rare; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate %s: %w", path, err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	var have int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&have); err != nil {
		return err
	}
	switch {
	case have == schemaVersion:
		return nil
	case have > schemaVersion:
		return fmt.Errorf("database schema v%d is newer than supported v%d", have, schemaVersion)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	s.log.Info("sqlite schema migrated", logx.Int("from", have), logx.Int("to", schemaVersion))
	return tx.Commit()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ready() error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return nil
}

// load scans one column of key's row; NULL and a missing row are both absent.
func (s *sqliteStore) load(ctx context.Context, column, key string, dst any) error {
	if err := s.ready(); err != nil {
		return err
	}
	q := `SELECT ` + column + ` FROM kv WHERE key = ? AND ` + column + ` IS NOT NULL`
	err := s.db.QueryRowContext(ctx, q, key).Scan(dst)
	if errors.Is(err, sql.ErrNoRows) {
		return respire.ErrNotFound
	}
	return err
}

// upsert writes one column of key's row and leaves the other untouched.
func (s *sqliteStore) upsert(ctx context.Context, column, key string, v any) error {
	if err := s.ready(); err != nil {
		return err
	}
	q := `INSERT INTO kv(key, ` + column + `, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET ` + column + ` = excluded.` + column + `, updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, q, key, v, time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) LoadUint32(ctx context.Context, key string) (uint32, error) {
	var v int64
	if err := s.load(ctx, "u32", key, &v); err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func (s *sqliteStore) StoreUint32(ctx context.Context, key string, v uint32) error {
	return s.upsert(ctx, "u32", key, int64(v))
}

func (s *sqliteStore) LoadBytes(ctx context.Context, key string) ([]byte, error) {
	var b []byte
	if err := s.load(ctx, "blob", key, &b); err != nil {
		return nil, err
	}
	if b == nil {
		b = []byte{}
	}
	return b, nil
}

func (s *sqliteStore) StoreBytes(ctx context.Context, key string, b []byte) error {
	if b == nil {
		b = []byte{}
	}
	return s.upsert(ctx, "blob", key, b)
}

func (s *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
