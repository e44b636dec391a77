// Package api is the HTTP client for the generation server's REST endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/tidwall/gjson"

	"github.com/ricochet1k/leostream/pkg/stream"
)

const DefaultTimeout = 30 * time.Second

// HTTPError is returned for any non-2xx response.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client
	log     hclog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

func WithLogger(logger hclog.Logger) Option {
	return func(c *Client) { c.log = logger }
}

// NewClient targets baseURL, the server root without the /api prefix.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		log:     hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) StartGeneration(ctx context.Context, req stream.GenerationRequest) (*stream.GenerationResponse, error) {
	var resp stream.GenerationResponse
	if err := c.do(ctx, http.MethodPost, "/api/generation/start", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GenerationStatus(ctx context.Context, sessionID string) (*stream.StatusResponse, error) {
	var resp stream.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/generation/status/"+url.PathEscape(sessionID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Connections(ctx context.Context) (*stream.ConnectionsResponse, error) {
	var resp stream.ConnectionsResponse
	if err := c.do(ctx, http.MethodGet, "/api/generation/connections", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Health(ctx context.Context) (*stream.HealthResponse, error) {
	var resp stream.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/api/generation/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Subscribe registers transportID as a listener for sessionID's events.
func (c *Client) Subscribe(ctx context.Context, sessionID, transportID string) (*stream.SubscriptionResponse, error) {
	path := "/api/websocket/subscribe/" + url.PathEscape(sessionID) +
		"?webSocketSessionId=" + url.QueryEscape(transportID)
	var resp stream.SubscriptionResponse
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) WebSocketStats(ctx context.Context) (*stream.WebSocketStatsResponse, error) {
	var resp stream.WebSocketStatsResponse
	if err := c.do(ctx, http.MethodGet, "/api/websocket/stats", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	c.log.Debug("request done", "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(raw),
		}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
	}
	return nil
}

// errorMessage pulls a human readable reason out of an error body.
func errorMessage(raw []byte) string {
	if gjson.ValidBytes(raw) {
		doc := gjson.ParseBytes(raw)
		for _, field := range []string{"error", "message"} {
			if v := doc.Get(field); v.Type == gjson.String && v.Str != "" {
				return v.Str
			}
		}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
