package storybridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
)

const (
	// DefaultAPIPrefix selects the network-first policy.
	DefaultAPIPrefix = "/api/"

	// SyncTagProgress is the background sync tag that replays queued
	// progress.
	SyncTagProgress = "background-sync-progress"

	offlineAPIBody    = `{"error":"Offline","message":"This feature requires an internet connection"}`
	offlineStaticBody = "Offline content not available"
)

// ErrUnknownMessage is returned for control messages of an unknown type.
var ErrUnknownMessage = errors.New("storybridge: unknown control message")

// State is the lifecycle state of one interceptor version.
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// SyncHook runs when a background sync tag fires.
type SyncHook func(ctx context.Context) error

type edgeVersion struct {
	manifest *Manifest
	caches   *CacheManager
	state    State
}

// EdgeStatus describes the active and waiting versions.
type EdgeStatus struct {
	State          State    `json:"state"`
	ActiveVersion  int      `json:"active_version,omitempty"`
	WaitingVersion int      `json:"waiting_version,omitempty"`
	Caches         []string `json:"caches,omitempty"`
}

// ============================================================================
// Edge
// ============================================================================

// Edge answers requests from a local cache or the network. It is an
// http.RoundTripper for in-process use and an http.Handler that proxies to
// an upstream.
//
// API requests are network-first: a 200 GET is copied into the API cache
// without blocking the response, and a network failure falls back to the
// cache and then to a synthesized 503. Everything else is cache-first with a
// fallback to the cached root page for documents.
type Edge struct {
	storage   CacheStorage
	network   http.RoundTripper
	upstream  string
	apiPrefix string
	logger    *slog.Logger
	metrics   *Metrics
	proxy     *httputil.ReverseProxy

	mu          sync.RWMutex
	active      *edgeVersion
	waiting     *edgeVersion
	hooks       map[string]SyncHook
	networkDown bool

	pending sync.WaitGroup
}

// EdgeOption configures an Edge.
type EdgeOption func(*Edge)

// WithNetwork sets the transport used for network fetches.
func WithNetwork(rt http.RoundTripper) EdgeOption {
	return func(e *Edge) { e.network = rt }
}

// WithUpstream sets the origin that manifest assets and proxied requests
// resolve against.
func WithUpstream(base string) EdgeOption {
	return func(e *Edge) { e.upstream = strings.TrimRight(base, "/") }
}

func WithAPIPrefix(prefix string) EdgeOption {
	return func(e *Edge) { e.apiPrefix = prefix }
}

func WithEdgeLogger(l *slog.Logger) EdgeOption {
	return func(e *Edge) { e.logger = l }
}

func WithEdgeMetrics(m *Metrics) EdgeOption {
	return func(e *Edge) { e.metrics = m }
}

// NewEdge creates an interceptor with no active version. Until Register
// succeeds every request goes straight to the network.
func NewEdge(storage CacheStorage, opts ...EdgeOption) *Edge {
	e := &Edge{
		storage:   storage,
		network:   http.DefaultTransport,
		apiPrefix: DefaultAPIPrefix,
		logger:    slog.Default(),
		hooks:     make(map[string]SyncHook),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.upstream != "" {
		if target, err := url.Parse(e.upstream); err == nil {
			e.proxy = &httputil.ReverseProxy{
				Rewrite: func(pr *httputil.ProxyRequest) {
					pr.SetURL(target)
					pr.SetXForwarded()
				},
				Transport: e,
				ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
					e.logger.Error("proxy_failed", "path", r.URL.Path, "error", err)
					w.WriteHeader(http.StatusBadGateway)
				},
			}
		}
	}
	return e
}

// ── Lifecycle ────────────────────────────────────────────

// Register installs the version described by m. If nothing is active it
// activates at once; otherwise it waits until SkipWaiting. A failed install
// leaves the active version serving and returns StateRedundant.
func (e *Edge) Register(ctx context.Context, m *Manifest) (State, error) {
	if err := m.Validate(); err != nil {
		return StateRedundant, err
	}
	v := &edgeVersion{
		manifest: m,
		caches:   NewCacheManager(e.storage, m.CachePrefix, m.Version),
		state:    StateInstalling,
	}
	e.logger.Info("edge_installing", "version", m.Version, "assets", len(m.Assets))
	if err := v.caches.Install(ctx, e.network, e.upstream, m.Assets); err != nil {
		v.state = StateRedundant
		e.metrics.install("failed")
		e.logger.Error("edge_install_failed", "version", m.Version, "error", err)
		return StateRedundant, err
	}
	e.metrics.install("ok")
	v.state = StateInstalled

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.active == nil:
		if err := e.activateLocked(ctx, v); err != nil {
			return v.state, err
		}
	case e.active.caches.StaticName() == v.caches.StaticName():
		e.active.manifest = m
		return StateActivated, nil
	default:
		if e.waiting != nil {
			e.waiting.state = StateRedundant
		}
		e.waiting = v
		e.logger.Info("edge_waiting", "version", m.Version, "active_version", e.active.manifest.Version)
	}
	return v.state, nil
}

// SkipWaiting activates the waiting version, if any.
func (e *Edge) SkipWaiting(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.waiting == nil {
		return nil
	}
	return e.activateLocked(ctx, e.waiting)
}

func (e *Edge) activateLocked(ctx context.Context, v *edgeVersion) error {
	deleted, err := v.caches.Activate(ctx)
	if err != nil {
		e.logger.Error("cache_eviction_failed", "version", v.manifest.Version, "error", err)
		return err
	}
	if e.active != nil {
		e.active.state = StateRedundant
	}
	if e.waiting == v {
		e.waiting = nil
	}
	v.state = StateActivated
	e.active = v
	e.logger.Info("edge_activated", "version", v.manifest.Version, "evicted", deleted)
	return nil
}

// RefreshCaches deletes both generations of the active version.
func (e *Edge) RefreshCaches(ctx context.Context) error {
	e.mu.RLock()
	v := e.active
	e.mu.RUnlock()
	if v == nil {
		return nil
	}
	if err := v.caches.Refresh(ctx); err != nil {
		return err
	}
	e.logger.Info("edge_caches_refreshed", "version", v.manifest.Version)
	return nil
}

// HandleMessage applies a control message.
func (e *Edge) HandleMessage(ctx context.Context, msg ControlMessage) error {
	switch msg.Type {
	case MessageSkipWaiting:
		return e.SkipWaiting(ctx)
	case MessageUpdateCache:
		return e.RefreshCaches(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

func (e *Edge) Status(ctx context.Context) EdgeStatus {
	e.mu.RLock()
	var st EdgeStatus
	if e.active != nil {
		st.State = e.active.state
		st.ActiveVersion = e.active.manifest.Version
	}
	if e.waiting != nil {
		st.WaitingVersion = e.waiting.manifest.Version
		if e.active == nil {
			st.State = e.waiting.state
		}
	}
	e.mu.RUnlock()
	if names, err := e.storage.Names(ctx); err == nil {
		st.Caches = names
	}
	return st
}

// ── Background sync ──────────────────────────────────────

// OnSync registers the hook for a sync tag.
func (e *Edge) OnSync(tag string, hook SyncHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks[tag] = hook
}

// TriggerSync runs the hook registered for tag. Unregistered tags are
// ignored.
func (e *Edge) TriggerSync(ctx context.Context, tag string) error {
	e.mu.RLock()
	hook := e.hooks[tag]
	e.mu.RUnlock()
	if hook == nil {
		e.logger.Debug("sync_tag_unhandled", "tag", tag)
		return nil
	}
	if err := hook(ctx); err != nil {
		e.logger.Warn("background_sync_failed", "tag", tag, "error", err)
		return err
	}
	return nil
}

// noteNetwork tracks reachability; the first success after a failure fires
// the progress sync tag.
func (e *Edge) noteNetwork(ok bool) {
	e.mu.Lock()
	restored := ok && e.networkDown
	e.networkDown = !ok
	e.mu.Unlock()
	if restored {
		e.logger.Info("edge_network_restored")
		e.pending.Add(1)
		go func() {
			defer e.pending.Done()
			_ = e.TriggerSync(context.Background(), SyncTagProgress)
		}()
	}
}

// Flush waits for pending cache writes and sync hooks.
func (e *Edge) Flush() {
	e.pending.Wait()
}

// ── Request policy ───────────────────────────────────────

// RoundTrip implements http.RoundTripper. It only returns an error when no
// version is active and the network fails.
func (e *Edge) RoundTrip(req *http.Request) (*http.Response, error) {
	e.mu.RLock()
	v := e.active
	e.mu.RUnlock()
	if v == nil {
		return e.network.RoundTrip(req)
	}
	if strings.HasPrefix(req.URL.Path, e.apiPrefix) {
		return e.networkFirst(req, v), nil
	}
	return e.cacheFirst(req, v), nil
}

func (e *Edge) networkFirst(req *http.Request, v *edgeVersion) *http.Response {
	resp, err := e.fetch(req)
	if err == nil {
		if resp.Status == http.StatusOK && req.Method == http.MethodGet {
			e.storeAsync(v.caches.API, req, resp)
		}
		e.metrics.edgeRequest("network_first", "network")
		return resp.Response(req)
	}
	e.logger.Debug("api_network_failed", "method", req.Method, "url", req.URL.String(), "error", err)

	if req.Method == http.MethodGet {
		hit, err := v.caches.Match(req.Context(), req)
		if err != nil {
			e.logger.Warn("cache_read_failed", "url", req.URL.String(), "error", err)
		}
		if hit != nil {
			e.metrics.edgeRequest("network_first", "cache")
			return hit.Response(req)
		}
	}
	e.metrics.edgeRequest("network_first", "offline")
	return OfflineAPIResponse(req)
}

func (e *Edge) cacheFirst(req *http.Request, v *edgeVersion) *http.Response {
	cacheable := req.Method == http.MethodGet
	if cacheable {
		hit, err := v.caches.Match(req.Context(), req)
		if err != nil {
			e.logger.Warn("cache_read_failed", "url", req.URL.String(), "error", err)
		}
		if hit != nil {
			e.metrics.edgeRequest("cache_first", "cache")
			return hit.Response(req)
		}
	}

	resp, err := e.fetch(req)
	if err == nil {
		if cacheable && resp.Status == http.StatusOK {
			e.storeAsync(v.caches.Static, req, resp)
		}
		e.metrics.edgeRequest("cache_first", "network")
		return resp.Response(req)
	}
	e.logger.Debug("static_network_failed", "url", req.URL.String(), "error", err)

	if isDocument(req) {
		rootReq := req.Clone(req.Context())
		rootReq.URL = req.URL.ResolveReference(&url.URL{Path: "/"})
		if hit, _ := v.caches.Match(req.Context(), rootReq); hit != nil {
			e.metrics.edgeRequest("cache_first", "fallback")
			return hit.Response(req)
		}
	}
	e.metrics.edgeRequest("cache_first", "offline")
	return textResponse(req, http.StatusServiceUnavailable, offlineStaticBody)
}

// fetch performs the network call and buffers the body.
func (e *Edge) fetch(req *http.Request) (*CachedResponse, error) {
	resp, err := e.network.RoundTrip(req)
	if err != nil {
		e.noteNetwork(false)
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	captured, err := captureResponse(req, resp)
	if err != nil {
		e.noteNetwork(false)
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	e.noteNetwork(true)
	return captured, nil
}

func (e *Edge) storeAsync(open func(context.Context) (Cache, error), req *http.Request, resp *CachedResponse) {
	ctx := context.WithoutCancel(req.Context())
	key := req.Clone(ctx)
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		cache, err := open(ctx)
		if err == nil {
			err = cache.Put(ctx, key, resp)
		}
		if err != nil {
			e.metrics.cacheWriteFailed()
			e.logger.Warn("cache_write_failed", "url", key.URL.String(), "error", err)
		}
	}()
}

// ServeHTTP proxies r to the upstream through the request policy.
func (e *Edge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if e.proxy == nil {
		http.Error(w, "edge: no upstream configured", http.StatusBadGateway)
		return
	}
	e.proxy.ServeHTTP(w, r)
}

// OfflineAPIResponse is the response for an API request that neither the
// network nor the cache could answer.
func OfflineAPIResponse(req *http.Request) *http.Response {
	resp := textResponse(req, http.StatusServiceUnavailable, offlineAPIBody)
	resp.Header.Set("Content-Type", "application/json")
	return resp
}

func textResponse(req *http.Request, status int, body string) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(bytes.NewReader([]byte(body))),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func isDocument(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if dest := req.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "document"
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}
