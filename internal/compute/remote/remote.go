// Package remote drives tenant instances through an HTTP control plane.
//
// The control plane exposes, relative to its base URL:
//
//	POST {base}/instances/{id}/start
//	POST {base}/instances/{id}/stop
//	GET  {base}/instances/{id}     -> {"running": bool, "endpoint": "host:port"}
//
// Tenant traffic is sent directly to the reported endpoint.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/tenantd/internal/compute"
	"pkt.systems/tenantd/internal/svcfields"
	"pkt.systems/tenantd/internal/tenant"
)

// TokenEnv names the environment variable holding the control-plane bearer
// token.
const TokenEnv = "TENANTD_COMPUTE_TOKEN"

// Config configures the control-plane client.
type Config struct {
	// BaseURL is scheme://host[:port][/prefix].
	BaseURL string
	Token   string
	// HealthPath, when set, is probed on the instance endpoint in addition
	// to the control-plane status.
	HealthPath string
	// EndpointScheme is used for endpoints reported without a scheme.
	EndpointScheme string
	Client         *http.Client
	Logger         pslog.Logger
}

// Status is the control-plane view of an instance.
type Status struct {
	Running  bool   `json:"running"`
	Endpoint string `json:"endpoint,omitempty"`
}

// Provider creates remote runtimes.
type Provider struct {
	cfg    Config
	client *http.Client
	logger pslog.Logger
}

// New validates cfg and returns a provider.
func New(cfg Config) (*Provider, error) {
	cfg.BaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return nil, fmt.Errorf("remote: base url %q must be http or https", cfg.BaseURL)
	}
	if cfg.EndpointScheme == "" {
		cfg.EndpointScheme = "http"
	}
	client := cfg.Client
	if client == nil {
		client = compute.NewHTTPClient()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Provider{cfg: cfg, client: client, logger: svcfields.WithSubsystem(logger, "compute.remote")}, nil
}

// Runtime returns the runtime for id.
func (p *Provider) Runtime(id tenant.Identity, key tenant.Key) (compute.Runtime, error) {
	return &Runtime{
		provider: p,
		id:       id,
		logger:   p.logger.With(svcfields.TenantKey, key.String(), svcfields.InstanceID, id.Short()),
	}, nil
}

// Close releases idle connections.
func (p *Provider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// Runtime is one remotely managed instance.
type Runtime struct {
	provider *Provider
	id       tenant.Identity
	logger   pslog.Logger

	mu       sync.Mutex
	endpoint string
}

// Start asks the control plane to start the instance.
func (r *Runtime) Start(ctx context.Context) error {
	st, err := r.call(ctx, http.MethodPost, "/start")
	if err != nil {
		return err
	}
	r.remember(st)
	r.logger.Info("remote.start", "endpoint", st.Endpoint)
	return nil
}

// Stop asks the control plane to stop the instance.
func (r *Runtime) Stop(ctx context.Context) error {
	_, err := r.call(ctx, http.MethodPost, "/stop")
	r.remember(Status{})
	if err != nil {
		return err
	}
	r.logger.Info("remote.stop")
	return nil
}

// IsRunning queries the control plane.
func (r *Runtime) IsRunning(ctx context.Context) bool {
	st, err := r.status(ctx)
	if err != nil {
		r.logger.Debug("remote.status.error", "error", err)
		return false
	}
	return st.Running
}

// HealthCheck requires a running status and, when configured, a healthy
// probe of the instance endpoint.
func (r *Runtime) HealthCheck(ctx context.Context) error {
	st, err := r.status(ctx)
	if err != nil {
		return err
	}
	if !st.Running || st.Endpoint == "" {
		return compute.ErrNotRunning
	}
	if r.provider.cfg.HealthPath == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpointURL(st.Endpoint)+r.provider.cfg.HealthPath, nil)
	if err != nil {
		return err
	}
	return compute.Probe(r.provider.client, req)
}

// Send forwards req to the last endpoint reported by the control plane.
func (r *Runtime) Send(ctx context.Context, req *http.Request) (*http.Response, error) {
	endpoint := r.Endpoint()
	if endpoint == "" {
		st, err := r.status(ctx)
		if err != nil {
			return nil, err
		}
		if !st.Running || st.Endpoint == "" {
			return nil, compute.ErrNotRunning
		}
		endpoint = st.Endpoint
	}
	return compute.SendTo(ctx, r.provider.client, r.endpointURL(endpoint), req)
}

// Endpoint returns the last reported endpoint.
func (r *Runtime) Endpoint() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endpoint
}

// Stats returns the control-plane status.
func (r *Runtime) Stats(ctx context.Context) (map[string]any, error) {
	st, err := r.status(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"running": st.Running, "endpoint": st.Endpoint}, nil
}

func (r *Runtime) status(ctx context.Context) (Status, error) {
	st, err := r.call(ctx, http.MethodGet, "")
	if err != nil {
		return Status{}, err
	}
	r.remember(st)
	return st, nil
}

func (r *Runtime) remember(st Status) {
	r.mu.Lock()
	if st.Running || st.Endpoint == "" {
		r.endpoint = st.Endpoint
	}
	r.mu.Unlock()
}

func (r *Runtime) endpointURL(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return strings.TrimSuffix(endpoint, "/")
	}
	return r.provider.cfg.EndpointScheme + "://" + endpoint
}

func (r *Runtime) call(ctx context.Context, method, suffix string) (Status, error) {
	url := r.provider.cfg.BaseURL + "/instances/" + r.id.String() + suffix
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return Status{}, err
	}
	req.Header.Set("Accept", "application/json")
	if token := r.provider.cfg.Token; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := r.provider.client.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("remote: %s %s: %w", method, suffix, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Status{}, fmt.Errorf("remote: read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound && method == http.MethodGet {
		return Status{}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Status{}, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var st Status
	if len(body) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(body, &st); err != nil {
		return Status{}, fmt.Errorf("remote: decode status: %w", err)
	}
	return st, nil
}

// StatusError is a non-2xx control-plane response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote: control plane returned %d", e.Status)
	}
	return fmt.Sprintf("remote: control plane returned %d: %s", e.Status, e.Body)
}

// IsStatus reports whether err is a StatusError with code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == code
}
