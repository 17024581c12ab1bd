// Package pebblekv is a persistent storybridge.KV on Pebble.
package pebblekv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"

	storybridge "github.com/storybridge-app/storybridge-go"
)

// Store is a KV backed by a Pebble database directory.
type Store struct {
	db *pebble.DB
}

var _ storybridge.KV = (*Store)(nil)

// Open opens or creates the database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", storybridge.ErrStorageUnavailable, dir, err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("%w: open pebble: %v", storybridge.ErrStorageUnavailable, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, storybridge.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", storybridge.ErrStorageUnavailable, err)
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return fmt.Errorf("%w: set: %v", storybridge.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("%w: delete: %v", storybridge.ErrStorageUnavailable, err)
	}
	return nil
}

// Keys returns the keys starting with prefix in byte order.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter, err := s.db.NewIter(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: iterate: %v", storybridge.ErrStorageUnavailable, err)
	}
	defer iter.Close()

	p := []byte(prefix)
	var keys []string
	for iter.SeekGE(p); iter.Valid(); iter.Next() {
		k := iter.Key()
		if !bytes.HasPrefix(k, p) {
			break
		}
		keys = append(keys, string(k))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: iterate: %v", storybridge.ErrStorageUnavailable, err)
	}
	return keys, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
