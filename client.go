// Package storybridge is the offline core of the StoryBridge learning app.
//
// It bundles three cooperating pieces: an edge cache interceptor that answers
// requests network-first (API) or cache-first (shell assets), an offline state
// store over a pluggable KV backend, and a sync routine that replays queued
// mutations once connectivity returns.
//
// Example:
//
//	client := storybridge.NewClient(token, storybridge.WithBaseURL("https://storybridge.example"))
//	store := storybridge.NewStore(storybridge.NewMemoryKV())
//	syncer := storybridge.NewSyncer(store, client, nil)
//	syncer.Init()
//	defer syncer.Destroy()
//
//	rec, _ := syncer.RecordCompletion(ctx, "user-1", "story-1", storybridge.ProgressInput{Completed: true, CoinsEarned: 5})
package storybridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// Defaults
// ============================================================================

const (
	DefaultBaseURL = "http://localhost:8001"
	DefaultTimeout = 30 * time.Second
)

// ErrNetwork wraps transport failures: the request never produced a response.
var ErrNetwork = errors.New("storybridge: network request failed")

// ============================================================================
// Response
// ============================================================================

// Response is a fully read HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Err returns nil for 2xx responses and an *APIError otherwise.
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	apiErr := &APIError{Status: r.Status, Message: http.StatusText(r.Status)}
	var body struct {
		Detail  any    `json:"detail"`
		Error   string `json:"error"`
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if json.Unmarshal(r.Body, &body) == nil {
		switch {
		case body.Message != "":
			apiErr.Message = body.Message
		case body.Detail != nil:
			apiErr.Message = fmt.Sprint(body.Detail)
		}
		apiErr.Code = body.Code
		if apiErr.Code == "" {
			apiErr.Code = body.Error
		}
	}
	return apiErr
}

// DecodeJSON unmarshals the body into v.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// ============================================================================
// Client
// ============================================================================

// Requester is the HTTP capability the sync routine needs. path may be
// absolute or relative to the implementation's base URL.
type Requester interface {
	Request(ctx context.Context, method, path string, body []byte, header http.Header) (*Response, error)
}

type Client struct {
	token      string
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTransport routes requests through rt, typically an *Edge so API reads
// are answered from the edge cache when the network is down.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) {
		hc := *c.httpClient
		hc.Transport = rt
		c.httpClient = &hc
	}
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a new StoryBridge client.
// token is optional; pass "" before login.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:     token,
		baseURL:   DefaultBaseURL,
		userAgent: "storybridge-go",
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) Token() string   { return c.token }
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Request
// ============================================================================

// Request performs one HTTP call. A transport failure is returned as an error
// wrapping ErrNetwork; any HTTP status is returned as a Response.
func (c *Client) Request(ctx context.Context, method, path string, body []byte, header http.Header) (*Response, error) {
	u := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		u = c.baseURL + path
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Authorization") == "" && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s %s: %v", ErrNetwork, method, path, err)
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any, header http.Header) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = b
	}
	resp, err := c.Request(ctx, method, path, body, header)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.DecodeJSON(out)
}

func bearer(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

// ============================================================================
// API Methods
// ============================================================================

// LoginResult is the token bundle returned by /api/auth/login.
type LoginResult struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	User        UserProfile `json:"user"`
}

func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	var out LoginResult
	err := c.doJSON(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &out, nil)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Me fetches the profile of the token's owner.
func (c *Client) Me(ctx context.Context) (*UserProfile, error) {
	var out UserProfile
	if err := c.doJSON(ctx, http.MethodGet, "/api/auth/me", nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListStories(ctx context.Context) ([]StoryPack, error) {
	var out []StoryPack
	if err := c.doJSON(ctx, http.MethodGet, "/api/stories", nil, &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// PostProgress upserts a progress record. The server keys progress by
// (user, story), so repeating the call is harmless.
func (c *Client) PostProgress(ctx context.Context, token string, rec *ProgressRecord) error {
	return c.doJSON(ctx, http.MethodPost, ProgressPath, rec, nil, bearer(token))
}

func (c *Client) ListProgress(ctx context.Context) ([]ProgressRecord, error) {
	var out []ProgressRecord
	if err := c.doJSON(ctx, http.MethodGet, "/api/progress/user", nil, &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}
