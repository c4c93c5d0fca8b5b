// Package libsql provides a client for libSQL / Turso databases over the
// Hrana-over-HTTP pipeline protocol. Each pooled session maps to one Hrana
// stream, identified by the baton the server hands back on every response.
package libsql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/astroforum/service_layer/internal/httputil"
	"github.com/astroforum/service_layer/internal/store"
)

const (
	pipelinePath = "/v2/pipeline"

	maxResponseBytes  = 8 << 20  // 8 MiB
	maxErrorBodyBytes = 32 << 10 // 32 KiB

	closeTimeout = 5 * time.Second
)

// Config holds client configuration.
type Config struct {
	// URL of the database. libsql:// URLs are rewritten to https://.
	URL string
	// AuthToken is sent as a bearer token on every request.
	AuthToken string
	// HTTPClient overrides the default HTTP client.
	HTTPClient *http.Client
	// Retry configures retries of stream-opening requests.
	Retry RetryConfig
	// VerifyOnDial runs SELECT 1 when a session is opened.
	VerifyOnDial bool
}

// Client is a libSQL HTTP client. It is safe for concurrent use; sessions it
// opens are not.
type Client struct {
	baseURL      string
	authToken    string
	httpClient   *http.Client
	retry        RetryConfig
	verifyOnDial bool

	totalRequests   int64
	successRequests int64
	failedRequests  int64
	retriedRequests int64
}

// New creates a new libSQL client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("URL is required")
	}

	baseURL, err := normalizeURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		}
	}

	return &Client{
		baseURL:      baseURL,
		authToken:    cfg.AuthToken,
		httpClient:   httpClient,
		retry:        cfg.Retry,
		verifyOnDial: cfg.VerifyOnDial,
	}, nil
}

func normalizeURL(raw string) (string, error) {
	u := strings.TrimSuffix(strings.TrimSpace(raw), "/")
	switch {
	case strings.HasPrefix(u, "libsql://"):
		u = "https://" + strings.TrimPrefix(u, "libsql://")
	case strings.HasPrefix(u, "http://"), strings.HasPrefix(u, "https://"):
	default:
		return "", fmt.Errorf("unsupported database URL scheme: %q", raw)
	}
	return u, nil
}

// Dial opens a new stream. No request is sent until the first statement
// unless VerifyOnDial is set.
func (c *Client) Dial(ctx context.Context) (store.Session, error) {
	s := newStream(c)
	if c.verifyOnDial {
		if _, err := s.Execute(ctx, store.NewStatement("SELECT 1")); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("verify connection: %w", err)
		}
	}
	return s, nil
}

// Metrics returns request counters.
func (c *Client) Metrics() map[string]int64 {
	return map[string]int64{
		"total_requests":   atomic.LoadInt64(&c.totalRequests),
		"success_requests": atomic.LoadInt64(&c.successRequests),
		"failed_requests":  atomic.LoadInt64(&c.failedRequests),
		"retried_requests": atomic.LoadInt64(&c.retriedRequests),
	}
}

// =============================================================================
// Internal Methods
// =============================================================================

func (c *Client) setHeaders(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

// pipeline posts one Hrana pipeline request. Requests without a baton open a
// new stream server side and are retried on transient failures; requests on
// an existing stream are sent once.
func (c *Client) pipeline(ctx context.Context, baseURL string, body pipelineRequest) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline: %w", err)
	}

	atomic.AddInt64(&c.totalRequests, 1)

	retryable := body.Baton == nil
	attempts := 1
	if retryable {
		attempts += c.retry.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			atomic.AddInt64(&c.retriedRequests, 1)
			select {
			case <-ctx.Done():
				atomic.AddInt64(&c.failedRequests, 1)
				return nil, ctx.Err()
			case <-time.After(c.retry.backoff(attempt)):
			}
		}

		respBody, err := c.post(ctx, baseURL, payload)
		if err == nil {
			atomic.AddInt64(&c.successRequests, 1)
			return respBody, nil
		}
		lastErr = err
		if !retryable || !c.retry.shouldRetry(err) {
			break
		}
	}

	atomic.AddInt64(&c.failedRequests, 1)
	return nil, lastErr
}

func (c *Client) post(ctx context.Context, baseURL string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+pipelinePath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, truncated, readErr := httputil.ReadAllWithLimit(resp.Body, maxErrorBodyBytes)
		if readErr != nil {
			return nil, fmt.Errorf("read error response: %w", readErr)
		}
		msg := strings.TrimSpace(string(respBody))
		if truncated {
			msg += "...(truncated)"
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: msg}
	}

	respBody, err := httputil.ReadAllStrict(resp.Body, maxResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return respBody, nil
}

// HTTPError is a non-2xx response from the server.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("libsql: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("libsql: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}
