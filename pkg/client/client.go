// Package client is the Go client for the lapse frame server.
//
// # Quick start
//
//	c := client.New("http://localhost:3000")
//
//	// Ordered frame keys (the manifest)
//	keys, err := c.Images(ctx)
//
//	// One frame at a resolution tier
//	data, err := c.Image(ctx, "medium", keys[0])
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Check errors.As(err, &client.APIError{}) to inspect the HTTP
// status and server message. Transport failures are returned wrapped.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines, which matters when the player
// keeps dozens of frame fetches in flight.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// defaultMaxImageBytes caps a single frame download.
const defaultMaxImageBytes = 64 << 20 // 64 MiB

// ErrFrameTooLarge is returned when a frame body exceeds the download cap.
var ErrFrameTooLarge = errors.New("lapse: frame exceeds size limit")

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the frame server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lapse: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
// Use this to configure TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// WithSessionID tags every request with an X-Session-Id header so the server
// logs can tie frame fetches to one player.
func WithSessionID(id string) ClientOption {
	return func(c *Client) { c.sessionID = id }
}

// WithMaxImageBytes caps the size of a single frame download.
// The default is 64 MiB.
func WithMaxImageBytes(n int64) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxImage = n
		}
	}
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client talks to a frame server. It is safe for concurrent use.
type Client struct {
	baseURL   string
	sessionID string
	maxImage  int64
	http      *http.Client
}

// New creates a new Client for the frame server at baseURL.
//
//	c := client.New("http://localhost:3000")
//	c := client.New("https://frames.example.com/api", client.WithTimeout(10*time.Second))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		maxImage: defaultMaxImageBytes,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the server root the client was created with.
func (c *Client) BaseURL() string { return c.baseURL }

// HealthInfo contains the data returned by the /health endpoint.
type HealthInfo struct {
	Status  string
	NodeID  string
	Frames  int
	Uptime  time.Duration
	Version string
}

// ─── Frame operations ─────────────────────────────────────────────────────────

// Images fetches the manifest: the ordered list of frame keys. An empty list
// is a valid answer.
func (c *Client) Images(ctx context.Context) ([]string, error) {
	var keys []string
	if err := c.do(ctx, "/images", &keys); err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

// Image downloads one frame at the given tier.
func (c *Client) Image(ctx context.Context, tier, key string) ([]byte, error) {
	path := fmt.Sprintf("/image/%s/%s", url.PathEscape(tier), url.PathEscape(key))
	httpResp, err := c.get(ctx, path, "image/*")
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if err := checkStatus(httpResp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(httpResp.Body, c.maxImage+1))
	if err != nil {
		return nil, fmt.Errorf("lapse: read image %s: %w", key, err)
	}
	if int64(len(data)) > c.maxImage {
		return nil, fmt.Errorf("%w: %s is over %d bytes", ErrFrameTooLarge, key, c.maxImage)
	}
	return data, nil
}

// Health checks the server's /health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status   string `json:"status"`
		NodeID   string `json:"node_id"`
		Frames   int    `json:"frames"`
		UptimeMs int64  `json:"uptime_ms"`
		Version  string `json:"version"`
	}
	if err := c.do(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:  resp.Status,
		NodeID:  resp.NodeID,
		Frames:  resp.Frames,
		Uptime:  time.Duration(resp.UptimeMs) * time.Millisecond,
		Version: resp.Version,
	}, nil
}

// ─── Internal HTTP helpers ────────────────────────────────────────────────────

func (c *Client) get(ctx context.Context, path, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("lapse: build request: %w", err)
	}
	req.Header.Set("Accept", accept)
	if c.sessionID != "" {
		req.Header.Set("X-Session-Id", c.sessionID)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lapse: request GET %s: %w", path, err)
	}
	return httpResp, nil
}

// do performs a GET and decodes a JSON response into resp.
func (c *Client) do(ctx context.Context, path string, resp any) error {
	httpResp, err := c.get(ctx, path, "application/json")
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if err := checkStatus(httpResp); err != nil {
		return err
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("lapse: read response body: %w", err)
	}
	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("lapse: decode response: %w", err)
		}
	}
	return nil
}

// checkStatus turns a non-2xx response into an *APIError.
func checkStatus(httpResp *http.Response) error {
	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 64<<10))
	var errResp struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(respBody, &errResp)
	msg := errResp.Error
	if msg == "" {
		msg = http.StatusText(httpResp.StatusCode)
	}
	return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
}
