// Package client is the HTTP client for the upstream Veris Memory API. It
// owns the connection pool, the health probe, retry with jitter for
// write-like operations, the context-type mapping policy, and the cached
// analytics facades.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veris-memory/veris-mcp-go/internal/config"
	"github.com/veris-memory/veris-mcp-go/internal/otel"
)

const maxResponseBodyBytes = 64 * 1024

// Retry schedule for write-like operations: min(base*2^attempt + U(0,1), cap).
const (
	retryBase = time.Second
	retryCap  = 10 * time.Second
)

// BackendError is returned when the upstream answers with a non-2xx status
// or the request fails at the network layer.
type BackendError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *BackendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("backend error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend error: %s", e.Message)
}

// Client talks to the upstream memory API over a pooled HTTP transport.
type Client struct {
	baseURL    string
	apiKey     string
	userID     string
	maxRetries int
	retryBase  time.Duration
	retryCap   time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	tracer     *otel.Tracer

	mu        sync.Mutex
	connected atomic.Bool
	closed    atomic.Bool

	// rand is guarded by randMu; math/rand's global source would do, but a
	// private source keeps jitter reproducible in tests.
	randMu sync.Mutex
	rand   *rand.Rand

	analyticsCache *ttlCache
}

// New builds a client from configuration. No connection is attempted until
// Connect is called.
func New(cfg config.VerisMemoryConfig, logger *slog.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.APIURL, "/"),
		apiKey:     cfg.APIKey,
		userID:     cfg.UserID,
		maxRetries: cfg.MaxRetries,
		retryBase:  retryBase,
		retryCap:   retryCap,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 30,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:         logger,
		rand:           rand.New(rand.NewSource(time.Now().UnixNano())),
		analyticsCache: newTTLCache(),
	}
}

// UserID returns the configured user scope for fact operations.
func (c *Client) UserID() string { return c.userID }

// SetTracer enables trace-context propagation on outbound requests. May be
// nil; call before the first request.
func (c *Client) SetTracer(t *otel.Tracer) { c.tracer = t }

// Connect probes GET /health and records the connection state. Safe to call
// repeatedly; concurrent callers serialize on the mutex.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return &BackendError{Message: "client is closed"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.connected.Store(false)
		return &BackendError{Message: fmt.Sprintf("health probe failed: %v", err), Retryable: true}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodyBytes))

	if resp.StatusCode != http.StatusOK {
		c.connected.Store(false)
		return &BackendError{
			StatusCode: resp.StatusCode,
			Message:    "health probe returned non-OK status",
			Retryable:  resp.StatusCode >= 500,
		}
	}

	c.connected.Store(true)
	c.logger.Info("connected to veris memory api", "url", c.baseURL)
	return nil
}

// EnsureConnected re-probes the backend if a previous request marked the
// connection as broken.
func (c *Client) EnsureConnected(ctx context.Context) error {
	if c.connected.Load() && !c.closed.Load() {
		return nil
	}
	return c.Connect(ctx)
}

// Connected reports whether the last health probe succeeded and the client
// has not been closed.
func (c *Client) Connected() bool {
	return c.connected.Load() && !c.closed.Load()
}

// Disconnect marks the client closed and drops idle pooled connections.
func (c *Client) Disconnect() {
	c.closed.Store(true)
	c.connected.Store(false)
	if t, ok := c.httpClient.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	c.logger.Info("disconnected from veris memory api")
}

// setHeaders applies the standard outbound headers. Only the key prefix
// before the first colon is sent: keys may carry user/role/flag segments
// that must not leave the process.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		prefix, _, _ := strings.Cut(c.apiKey, ":")
		req.Header.Set("X-API-Key", prefix)
	}
	otel.InjectHeaders(req.Context(), req.Header, c.tracer)
}

// postTool POSTs a JSON payload to /tools/<name> and decodes the JSON
// response object.
func (c *Client) postTool(ctx context.Context, tool string, payload any) (map[string]any, error) {
	return c.doJSON(ctx, http.MethodPost, "/tools/"+tool, payload)
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any) (map[string]any, error) {
	var body io.Reader
	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)
	if raw != nil {
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(raw)), nil
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.connected.Store(false)
		return nil, &BackendError{Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes+1))
	if err != nil {
		return nil, &BackendError{Message: fmt.Sprintf("read response: %v", err), Retryable: true}
	}
	if len(respBody) > maxResponseBodyBytes {
		c.logger.Warn("response body truncated", "path", path, "limit_bytes", maxResponseBodyBytes)
		respBody = respBody[:maxResponseBodyBytes]
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode >= 500 {
			c.connected.Store(false)
		}
		return nil, &BackendError{
			StatusCode: resp.StatusCode,
			Message:    errorMessageFrom(respBody, resp.StatusCode),
			Retryable:  resp.StatusCode >= 500,
		}
	}

	if len(bytes.TrimSpace(respBody)) == 0 {
		return map[string]any{}, nil
	}
	var result map[string]any
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &BackendError{Message: fmt.Sprintf("decode response: %v", err)}
	}
	return result, nil
}

func errorMessageFrom(body []byte, status int) string {
	var payload map[string]any
	if json.Unmarshal(body, &payload) == nil {
		for _, key := range []string{"error", "message", "detail"} {
			if msg, ok := payload[key].(string); ok && msg != "" {
				return msg
			}
		}
	}
	if len(body) > 0 {
		return string(body)
	}
	return http.StatusText(status)
}

// withRetry runs op up to maxRetries+1 times, sleeping
// min(base*2^attempt + U(0,1), cap) between attempts. Client errors (4xx)
// are never retried.
func (c *Client) withRetry(ctx context.Context, name string, op func() (map[string]any, error)) (map[string]any, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay(attempt - 1)):
			}
			c.logger.Debug("retrying backend operation", "operation", name, "attempt", attempt)
		}

		result, err := op()
		if err == nil {
			return result, nil
		}
		lastErr = err

		var be *BackendError
		if errors.As(err, &be) && !be.Retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) retryDelay(attempt int) time.Duration {
	c.randMu.Lock()
	jitter := time.Duration(c.rand.Float64() * float64(c.retryBase))
	c.randMu.Unlock()

	delay := c.retryBase<<uint(attempt) + jitter
	if delay > c.retryCap {
		delay = c.retryCap
	}
	return delay
}
