package storybridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Cache storage
// ============================================================================

// CachedResponse is a stored HTTP response.
type CachedResponse struct {
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// Response rebuilds an *http.Response for req.
func (c *CachedResponse) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", c.Status, http.StatusText(c.Status)),
		StatusCode:    c.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        c.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(c.Body)),
		ContentLength: int64(len(c.Body)),
		Request:       req,
	}
}

// Cache is one named generation of cached responses. Match returns nil
// without error on a miss.
type Cache interface {
	Match(ctx context.Context, req *http.Request) (*CachedResponse, error)
	Put(ctx context.Context, req *http.Request, resp *CachedResponse) error
	Delete(ctx context.Context, req *http.Request) error
	Keys(ctx context.Context) ([]string, error)
}

// CacheStorage holds the named caches.
type CacheStorage interface {
	Open(ctx context.Context, name string) (Cache, error)
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes a cache and its entries. It reports whether the cache
	// existed.
	Delete(ctx context.Context, name string) (bool, error)
	Names(ctx context.Context) ([]string, error)
}

// RequestKey identifies req within a cache.
func RequestKey(req *http.Request) string {
	return req.Method + " " + req.URL.String()
}

const (
	cacheNamesPrefix   = "edgecaches:"
	cacheEntriesPrefix = "edgecache:"
)

// KVCacheStorage persists caches in a KV. Entries live under
// edgecache:<name>:<METHOD> <url>; the set of names under edgecaches:<name>.
type KVCacheStorage struct {
	kv     KV
	logger *slog.Logger
}

func NewKVCacheStorage(kv KV, logger *slog.Logger) *KVCacheStorage {
	if logger == nil {
		logger = slog.Default()
	}
	return &KVCacheStorage{kv: kv, logger: logger}
}

func validCacheName(name string) error {
	if name == "" || strings.Contains(name, ":") {
		return fmt.Errorf("invalid cache name %q", name)
	}
	return nil
}

func (s *KVCacheStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := validCacheName(name); err != nil {
		return nil, err
	}
	ok, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		k := cacheNamesPrefix + name
		if err := s.kv.Set(ctx, k, []byte(strconv.FormatInt(time.Now().Unix(), 10))); err != nil {
			return nil, storageErr("set", k, err)
		}
	}
	return &kvCache{storage: s, prefix: cacheEntriesPrefix + name + ":"}, nil
}

func (s *KVCacheStorage) Has(ctx context.Context, name string) (bool, error) {
	k := cacheNamesPrefix + name
	_, err := s.kv.Get(ctx, k)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("get", k, err)
	}
	return true, nil
}

func (s *KVCacheStorage) Delete(ctx context.Context, name string) (bool, error) {
	ok, err := s.Has(ctx, name)
	if err != nil {
		return false, err
	}
	prefix := cacheEntriesPrefix + name + ":"
	keys, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		return false, storageErr("keys", prefix, err)
	}
	for _, k := range keys {
		if err := s.kv.Delete(ctx, k); err != nil {
			return false, storageErr("delete", k, err)
		}
	}
	if err := s.kv.Delete(ctx, cacheNamesPrefix+name); err != nil {
		return false, storageErr("delete", cacheNamesPrefix+name, err)
	}
	return ok, nil
}

func (s *KVCacheStorage) Names(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, cacheNamesPrefix)
	if err != nil {
		return nil, storageErr("keys", cacheNamesPrefix, err)
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, strings.TrimPrefix(k, cacheNamesPrefix))
	}
	return names, nil
}

type kvCache struct {
	storage *KVCacheStorage
	prefix  string
}

func (c *kvCache) Match(ctx context.Context, req *http.Request) (*CachedResponse, error) {
	k := c.prefix + RequestKey(req)
	data, err := c.storage.kv.Get(ctx, k)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get", k, err)
	}
	var resp CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil || resp.Status == 0 {
		c.storage.logger.Warn("corrupt_cache_entry", "key", k, "error", err)
		return nil, nil
	}
	return &resp, nil
}

func (c *kvCache) Put(ctx context.Context, req *http.Request, resp *CachedResponse) error {
	k := c.prefix + RequestKey(req)
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal cached response: %w", err)
	}
	if err := c.storage.kv.Set(ctx, k, data); err != nil {
		return storageErr("set", k, err)
	}
	return nil
}

func (c *kvCache) Delete(ctx context.Context, req *http.Request) error {
	k := c.prefix + RequestKey(req)
	if err := c.storage.kv.Delete(ctx, k); err != nil {
		return storageErr("delete", k, err)
	}
	return nil
}

func (c *kvCache) Keys(ctx context.Context) ([]string, error) {
	keys, err := c.storage.kv.Keys(ctx, c.prefix)
	if err != nil {
		return nil, storageErr("keys", c.prefix, err)
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, c.prefix)
	}
	return keys, nil
}

// ============================================================================
// Versioned cache manager
// ============================================================================

// CacheManager owns the two cache generations of one version: the static
// shell cache <prefix>-v<N> and the API cache <prefix>-api-v<N>.
type CacheManager struct {
	storage CacheStorage
	prefix  string
	version int
}

func NewCacheManager(storage CacheStorage, prefix string, version int) *CacheManager {
	return &CacheManager{storage: storage, prefix: prefix, version: version}
}

func (m *CacheManager) Version() int       { return m.version }
func (m *CacheManager) StaticName() string { return fmt.Sprintf("%s-v%d", m.prefix, m.version) }
func (m *CacheManager) APIName() string    { return fmt.Sprintf("%s-api-v%d", m.prefix, m.version) }

func (m *CacheManager) Static(ctx context.Context) (Cache, error) {
	return m.storage.Open(ctx, m.StaticName())
}

func (m *CacheManager) API(ctx context.Context) (Cache, error) {
	return m.storage.Open(ctx, m.APIName())
}

// Install fetches every asset and stores them in the static cache. Nothing
// is written unless every fetch returned 200. Re-installing overwrites the
// same entries.
func (m *CacheManager) Install(ctx context.Context, network http.RoundTripper, base string, assets []string) error {
	type fetched struct {
		req  *http.Request
		resp *CachedResponse
	}
	all := make([]fetched, 0, len(assets))
	for _, asset := range assets {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+asset, nil)
		if err != nil {
			return fmt.Errorf("install %s: %w", asset, err)
		}
		resp, err := network.RoundTrip(req)
		if err != nil {
			return fmt.Errorf("install %s: %w: %v", asset, ErrNetwork, err)
		}
		cached, err := captureResponse(req, resp)
		if err != nil {
			return fmt.Errorf("install %s: %w", asset, err)
		}
		if cached.Status != http.StatusOK {
			return fmt.Errorf("install %s: unexpected status %d", asset, cached.Status)
		}
		all = append(all, fetched{req: req, resp: cached})
	}

	existed, err := m.storage.Has(ctx, m.StaticName())
	if err != nil {
		return err
	}
	cache, err := m.Static(ctx)
	if err != nil {
		return err
	}
	for _, f := range all {
		if err := cache.Put(ctx, f.req, f.resp); err != nil {
			if !existed {
				_, _ = m.storage.Delete(ctx, m.StaticName())
			}
			return err
		}
	}
	return nil
}

// Activate deletes every cache that is not one of this version's two
// generations and returns the deleted names.
func (m *CacheManager) Activate(ctx context.Context) ([]string, error) {
	names, err := m.storage.Names(ctx)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, name := range names {
		if name == m.StaticName() || name == m.APIName() {
			continue
		}
		if _, err := m.storage.Delete(ctx, name); err != nil {
			return deleted, err
		}
		deleted = append(deleted, name)
	}
	return deleted, nil
}

// Refresh deletes both generations so the next requests repopulate them.
func (m *CacheManager) Refresh(ctx context.Context) error {
	if _, err := m.storage.Delete(ctx, m.StaticName()); err != nil {
		return err
	}
	_, err := m.storage.Delete(ctx, m.APIName())
	return err
}

// Match looks req up in the API cache, then the static cache.
func (m *CacheManager) Match(ctx context.Context, req *http.Request) (*CachedResponse, error) {
	for _, name := range []string{m.APIName(), m.StaticName()} {
		ok, err := m.storage.Has(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		cache, err := m.storage.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		hit, err := cache.Match(ctx, req)
		if err != nil || hit != nil {
			return hit, err
		}
	}
	return nil, nil
}

// captureResponse reads and closes resp.Body.
func captureResponse(req *http.Request, resp *http.Response) (*CachedResponse, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &CachedResponse{
		Method:   req.Method,
		URL:      req.URL.String(),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}
