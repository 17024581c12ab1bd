package storybridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotFound is returned by KV.Get when the key is absent.
	ErrNotFound = errors.New("storybridge: key not found")

	// ErrStorageUnavailable marks failures of the persistent store itself
	// (open failures, quota, I/O). Callers should degrade to in-memory mode.
	ErrStorageUnavailable = errors.New("storybridge: storage unavailable")
)

// ============================================================================
// KV
// ============================================================================

// KV is the persistent key-value capability the offline store and the edge
// cache are built on. Implementations must be safe for concurrent use.
type KV interface {
	// Get returns ErrNotFound when key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists every key starting with prefix. An empty prefix lists all keys.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Sequencer is implemented by backends that can advance a counter
// atomically, including against other processes sharing the backend. The
// counter is stored under key as a decimal number; NextSeq sets it to
// max(current, floor)+1 and returns the new value.
type Sequencer interface {
	NextSeq(ctx context.Context, key string, floor uint64) (uint64, error)
}

// ============================================================================
// MemoryKV
// ============================================================================

// MemoryKV is a goroutine-safe in-memory KV.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryKV creates an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Keys returns matching keys in lexical order.
func (m *MemoryKV) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryKV) NextSeq(_ context.Context, key string, floor uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := floor
	if raw, ok := m.data[key]; ok {
		n, err := strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("sequence %s: %w", key, err)
		}
		cur = max(cur, n)
	}
	next := cur + 1
	m.data[key] = []byte(strconv.FormatUint(next, 10))
	return next, nil
}

func (m *MemoryKV) Close() error { return nil }

// Len reports the number of stored keys.
func (m *MemoryKV) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
