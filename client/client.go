package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tenantd/api"
	"pkt.systems/tenantd/internal/svcfields"
)

const (
	defaultHTTPTimeout = 15 * time.Second
	// DefaultFailureRetries is how many times idempotent calls are retried
	// after a transport failure.
	DefaultFailureRetries = 2
	// DefaultPathPrefix matches the server's default path form.
	DefaultPathPrefix = "/app/"

	headerCorrelationID = "X-Correlation-Id"
)

// Client talks to a tenantd server.
type Client struct {
	base           *url.URL
	httpClient     *http.Client
	pathPrefix     string
	httpTimeout    time.Duration
	failureRetries int
	logger         pslog.Base
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		if full, ok := logger.(pslog.Logger); ok {
			c.logger = svcfields.WithSubsystem(full, "client.sdk")
			return
		}
		c.logger = logger
	}
}

// WithPathPrefix overrides the path prefix used to address instances.
func WithPathPrefix(prefix string) Option {
	return func(c *Client) {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			return
		}
		if !strings.HasPrefix(prefix, "/") {
			prefix = "/" + prefix
		}
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		c.pathPrefix = prefix
	}
}

// WithHTTPTimeout overrides the per-request timeout.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithFailureRetries overrides how many times idempotent calls retry on
// transport failure. Zero disables retries.
func WithFailureRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.failureRetries = n
		}
	}
}

// New creates a client targeting baseURL. Besides http:// and https://,
// unix:///path/to/tenantd.sock targets a server listening on a Unix socket.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse baseURL: %w", err)
	}
	c := &Client{
		pathPrefix:     DefaultPathPrefix,
		httpTimeout:    defaultHTTPTimeout,
		failureRetries: DefaultFailureRetries,
		logger:         pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return nil, fmt.Errorf("baseURL %q has no host", baseURL)
		}
		u.Path = strings.TrimSuffix(u.Path, "/")
	case "unix":
		socket := u.Path
		if socket == "" {
			return nil, fmt.Errorf("baseURL %q has no socket path", baseURL)
		}
		if c.httpClient == nil {
			c.httpClient = &http.Client{Transport: unixTransport(socket)}
		}
		u = &url.URL{Scheme: "http", Host: "unix"}
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	c.base = u
	return c, nil
}

func unixTransport(socket string) http.RoundTripper {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socket)
	}
	return transport
}

// APIError describes an error response from tenantd.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body.
	Body []byte
	// RetryAfter is the parsed Retry-After hint.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		return fmt.Sprintf("tenantd: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
	}
	return fmt.Sprintf("tenantd: status %d", e.Status)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Response.ErrorCode == code
}

// Info returns the service description served at "/".
func (c *Client) Info(ctx context.Context) (api.ServiceInfo, error) {
	var out api.ServiceInfo
	err := c.doJSON(ctx, http.MethodGet, "/", nil, &out)
	return out, err
}

// Health returns the server health summary.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.doJSON(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}

// Status returns the lifecycle and record view of the instance owned by key.
func (c *Client) Status(ctx context.Context, key string) (api.StatusResponse, error) {
	var out api.StatusResponse
	err := c.doJSON(ctx, http.MethodGet, c.instancePath(key, "_status"), nil, &out)
	return out, err
}

// Restart restarts the instance owned by key and waits for it to be healthy.
func (c *Client) Restart(ctx context.Context, key string) (api.RestartResponse, error) {
	var out api.RestartResponse
	err := c.doJSON(ctx, http.MethodPost, c.instancePath(key, "_restart"), nil, &out)
	return out, err
}

// Metadata returns the metadata document of the instance owned by key.
func (c *Client) Metadata(ctx context.Context, key string) (map[string]any, error) {
	out := map[string]any{}
	err := c.doJSON(ctx, http.MethodGet, c.instancePath(key, "_metadata"), nil, &out)
	return out, err
}

// SetMetadata merges patch into the instance metadata and returns the
// merged document.
func (c *Client) SetMetadata(ctx context.Context, key string, patch map[string]any) (api.MetadataUpdateResponse, error) {
	var out api.MetadataUpdateResponse
	if patch == nil {
		patch = map[string]any{}
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		return out, fmt.Errorf("encode metadata: %w", err)
	}
	err = c.doJSON(ctx, http.MethodPost, c.instancePath(key, "_metadata"), payload, &out)
	return out, err
}

// Forward sends an arbitrary request to the instance owned by key. path is
// instance-relative. The caller owns the response body.
func (c *Client) Forward(ctx context.Context, key, method, path string, body io.Reader, header http.Header) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, c.instancePath(key, strings.TrimPrefix(path, "/")), body)
	if err != nil {
		return nil, err
	}
	for name, values := range header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	return c.httpClient.Do(req)
}

func (c *Client) instancePath(key, rest string) string {
	return c.pathPrefix + url.PathEscape(key) + "/" + rest
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	u := *c.base
	rel, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	u.Path = c.base.Path + rel.Path
	u.RawPath = ""
	if rel.RawPath != "" {
		u.RawPath = c.base.Path + rel.RawPath
	}
	u.RawQuery = rel.RawQuery
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if id := CorrelationIDFromContext(ctx); id != "" {
		req.Header.Set(headerCorrelationID, id)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload []byte, out any) error {
	attempts := 1
	if method == http.MethodGet {
		attempts += c.failureRetries
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.logger.Debug("client.http.retry", "path", path, "attempt", attempt+1, "error", lastErr)
		}
		err := c.doOnce(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) || ctx.Err() != nil {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.httpTimeout)
	defer cancel()
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := c.newRequest(reqCtx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.logger.Trace("client.http.start", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return decodeError(resp, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response, data []byte) error {
	var errResp api.ErrorResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &errResp); err != nil {
			return &APIError{Status: resp.StatusCode, Body: data}
		}
	}
	retryAfter := parseRetryAfterHeader(resp.Header.Get("Retry-After"))
	if retryAfter == 0 && errResp.RetryAfterSeconds > 0 {
		retryAfter = time.Duration(errResp.RetryAfterSeconds) * time.Second
	}
	return &APIError{Status: resp.StatusCode, Response: errResp, Body: data, RetryAfter: retryAfter}
}

func parseRetryAfterHeader(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if ts, err := http.ParseTime(raw); err == nil {
		if delay := time.Until(ts); delay > 0 {
			return delay
		}
	}
	return 0
}
