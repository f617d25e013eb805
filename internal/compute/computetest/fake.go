// Package computetest provides a scripted in-memory compute binding.
package computetest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"

	"pkt.systems/tenantd/internal/compute"
	"pkt.systems/tenantd/internal/tenant"
)

// Runtime is a fake instance. Requests are served by Handler in-process.
type Runtime struct {
	ID  tenant.Identity
	Key tenant.Key

	// Handler serves forwarded requests. Defaults to a 200 echo of the path.
	Handler http.Handler
	// Gate, when non-nil, blocks Start until it is closed or receives.
	Gate chan struct{}
	// StopGate, when non-nil, blocks Stop until it is closed or ctx ends.
	StopGate chan struct{}
	// BeforeSend, when non-nil, runs at the top of every Send.
	BeforeSend func()

	mu          sync.Mutex
	running     bool
	startErrs   []error
	healthErrs  []error
	sendErrs    []error
	stopErr     error
	endpoint    string
	starts      atomic.Int64
	stops       atomic.Int64
	sends       atomic.Int64
	startActive atomic.Int64
	maxActive   atomic.Int64
}

// NewRuntime returns a stopped fake runtime.
func NewRuntime(id tenant.Identity, key tenant.Key) *Runtime {
	return &Runtime{ID: id, Key: key, endpoint: "10.0.0.1:8080"}
}

// FailStarts queues errors returned by subsequent Start calls.
func (r *Runtime) FailStarts(errs ...error) {
	r.mu.Lock()
	r.startErrs = append(r.startErrs, errs...)
	r.mu.Unlock()
}

// FailHealth queues errors returned by subsequent HealthCheck calls.
func (r *Runtime) FailHealth(errs ...error) {
	r.mu.Lock()
	r.healthErrs = append(r.healthErrs, errs...)
	r.mu.Unlock()
}

// FailSends queues errors returned by subsequent Send calls.
func (r *Runtime) FailSends(errs ...error) {
	r.mu.Lock()
	r.sendErrs = append(r.sendErrs, errs...)
	r.mu.Unlock()
}

// SetStopError makes Stop return err.
func (r *Runtime) SetStopError(err error) {
	r.mu.Lock()
	r.stopErr = err
	r.mu.Unlock()
}

// Crash marks the instance dead without going through Stop.
func (r *Runtime) Crash() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

// SetEndpoint changes the reported endpoint.
func (r *Runtime) SetEndpoint(endpoint string) {
	r.mu.Lock()
	r.endpoint = endpoint
	r.mu.Unlock()
}

// Starts returns the number of Start calls.
func (r *Runtime) Starts() int64 { return r.starts.Load() }

// Stops returns the number of Stop calls.
func (r *Runtime) Stops() int64 { return r.stops.Load() }

// Sends returns the number of Send calls.
func (r *Runtime) Sends() int64 { return r.sends.Load() }

// MaxConcurrentStarts returns the highest number of overlapping Start calls.
func (r *Runtime) MaxConcurrentStarts() int64 { return r.maxActive.Load() }

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

// Start implements compute.Runtime.
func (r *Runtime) Start(ctx context.Context) error {
	r.starts.Add(1)
	active := r.startActive.Add(1)
	defer r.startActive.Add(-1)
	for {
		prev := r.maxActive.Load()
		if active <= prev || r.maxActive.CompareAndSwap(prev, active) {
			break
		}
	}
	if r.Gate != nil {
		select {
		case <-r.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := pop(&r.startErrs); err != nil {
		return err
	}
	r.running = true
	return nil
}

// Stop implements compute.Runtime.
func (r *Runtime) Stop(ctx context.Context) error {
	r.stops.Add(1)
	if r.StopGate != nil {
		select {
		case <-r.StopGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	return r.stopErr
}

// IsRunning implements compute.Runtime.
func (r *Runtime) IsRunning(context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// HealthCheck implements compute.Runtime.
func (r *Runtime) HealthCheck(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := pop(&r.healthErrs); err != nil {
		return err
	}
	if !r.running {
		return compute.ErrNotRunning
	}
	return nil
}

// Send implements compute.Runtime.
func (r *Runtime) Send(ctx context.Context, req *http.Request) (*http.Response, error) {
	r.sends.Add(1)
	if r.BeforeSend != nil {
		r.BeforeSend()
	}
	r.mu.Lock()
	err := pop(&r.sendErrs)
	running := r.running
	handler := r.Handler
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !running {
		return nil, compute.ErrNotRunning
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handler == nil {
		handler = EchoHandler()
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req.WithContext(ctx))
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

// Endpoint implements compute.Endpointer.
func (r *Runtime) Endpoint() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return ""
	}
	return r.endpoint
}

// Stats implements compute.StatsReporter.
func (r *Runtime) Stats(context.Context) (map[string]any, error) {
	return map[string]any{"running": r.IsRunning(context.Background()), "starts": r.Starts()}, nil
}

// EchoHandler writes "<method> <path>" and echoes X-Tenant-* headers back
// with an X-Echo- prefix.
func EchoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for name, values := range r.Header {
			for _, v := range values {
				w.Header().Add("X-Echo-"+name, v)
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(r.Method + " " + r.URL.RequestURI()))
	})
}

// Provider hands out fake runtimes and remembers them by identity.
type Provider struct {
	// Configure runs on every new runtime.
	Configure func(*Runtime)
	// Err, when set, is returned by Runtime.
	Err error

	mu       sync.Mutex
	runtimes map[tenant.Identity]*Runtime
	closed   bool
}

// NewProvider returns an empty provider.
func NewProvider() *Provider {
	return &Provider{runtimes: make(map[tenant.Identity]*Runtime)}
}

// Runtime implements compute.Provider.
func (p *Provider) Runtime(id tenant.Identity, key tenant.Key) (compute.Runtime, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	if p.closed {
		return nil, errors.New("computetest: provider closed")
	}
	if rt, ok := p.runtimes[id]; ok {
		return rt, nil
	}
	rt := NewRuntime(id, key)
	if p.Configure != nil {
		p.Configure(rt)
	}
	p.runtimes[id] = rt
	return rt, nil
}

// Lookup returns the runtime created for id.
func (p *Provider) Lookup(id tenant.Identity) *Runtime {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runtimes[id]
}

// Close implements compute.Provider.
func (p *Provider) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
