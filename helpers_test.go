package storybridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type stubClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *stubClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type stubIDs struct {
	mu sync.Mutex
	n  int
}

func (g *stubIDs) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%03d", g.n)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) (*Store, *stubClock) {
	t.Helper()
	return newTestStoreOn(t, NewMemoryKV())
}

func newTestStoreOn(t *testing.T, kv KV) (*Store, *stubClock) {
	t.Helper()
	clock := &stubClock{t: testEpoch}
	s := NewStore(kv, WithClock(clock), WithIDGenerator(&stubIDs{}), WithStoreLogger(quietLogger()))
	t.Cleanup(func() { s.Close() })
	return s, clock
}

// faultyKV wraps a KV and fails selected operations.
type faultyKV struct {
	KV
	mu sync.Mutex
	// failDeletes fails this many deletes of keys with deletePrefix.
	failDeletes  int
	deletePrefix string
	failAll      bool
}

var errDiskFull = errors.New("disk full")

func (f *faultyKV) Get(ctx context.Context, key string) ([]byte, error) {
	if f.broken() {
		return nil, errDiskFull
	}
	return f.KV.Get(ctx, key)
}

func (f *faultyKV) Set(ctx context.Context, key string, value []byte) error {
	if f.broken() {
		return errDiskFull
	}
	return f.KV.Set(ctx, key, value)
}

func (f *faultyKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	if f.broken() {
		return nil, errDiskFull
	}
	return f.KV.Keys(ctx, prefix)
}

func (f *faultyKV) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	if f.failAll || (f.failDeletes > 0 && strings.HasPrefix(key, f.deletePrefix)) {
		if f.failDeletes > 0 {
			f.failDeletes--
		}
		f.mu.Unlock()
		return errDiskFull
	}
	f.mu.Unlock()
	return f.KV.Delete(ctx, key)
}

func (f *faultyKV) broken() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failAll
}
