// Package sqlitekv is a persistent storybridge.KV on a single SQLite table.
package sqlitekv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite"

	storybridge "github.com/storybridge-app/storybridge-go"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);`

// Store is a KV backed by a SQLite file.
type Store struct {
	db *sql.DB
}

var (
	_ storybridge.KV        = (*Store)(nil)
	_ storybridge.Sequencer = (*Store)(nil)
)

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", storybridge.ErrStorageUnavailable)
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", storybridge.ErrStorageUnavailable, filepath.Dir(path), err)
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", storybridge.ErrStorageUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping sqlite: %v", storybridge.ErrStorageUnavailable, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: init schema: %v", storybridge.ErrStorageUnavailable, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storybridge.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", storybridge.ErrStorageUnavailable, err)
	}
	return v, nil
}

// NextSeq advances the counter at key in a single statement, so processes
// sharing the database file never hand out the same value.
func (s *Store) NextSeq(ctx context.Context, key string, floor uint64) (uint64, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?1, CAST(?2 + 1 AS TEXT), ?3)
		 ON CONFLICT(key) DO UPDATE SET
		   value = CAST(MAX(CAST(CAST(kv.value AS TEXT) AS INTEGER), ?2) + 1 AS TEXT),
		   updated_at = ?3
		 RETURNING CAST(value AS TEXT)`,
		key, int64(floor), time.Now().UTC().UnixMilli()).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("%w: next seq: %v", storybridge.ErrStorageUnavailable, err)
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: next seq %q: %v", storybridge.ErrStorageUnavailable, v, err)
	}
	return n, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("%w: set: %v", storybridge.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("%w: delete: %v", storybridge.ErrStorageUnavailable, err)
	}
	return nil
}

// Keys returns the keys starting with prefix in byte order.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`, utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: keys: %v", storybridge.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("%w: keys: %v", storybridge.ErrStorageUnavailable, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: keys: %v", storybridge.ErrStorageUnavailable, err)
	}
	return keys, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
