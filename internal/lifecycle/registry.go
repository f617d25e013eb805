// Package lifecycle drives per-tenant compute instances through their
// Cold/Starting/Running/Idle/Sleeping/Stopping/Error state machine and keeps
// their persistent records current.
package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/tenantd/internal/compute"
	"pkt.systems/tenantd/internal/storage"
	"pkt.systems/tenantd/internal/svcfields"
	"pkt.systems/tenantd/internal/tenant"
)

// Registry owns one Controller per instance identity. Controllers are
// created on first use and kept for the life of the process.
type Registry struct {
	cfg      Config
	provider compute.Provider
	records  *storage.Records
	recorder *Recorder
	metrics  *lifecycleMetrics
	logger   pslog.Logger

	mu          sync.Mutex
	controllers map[tenant.Identity]*Controller
}

// NewRegistry builds a registry over provider and records.
func NewRegistry(provider compute.Provider, records *storage.Records, cfg Config) *Registry {
	cfg = cfg.withDefaults()
	r := &Registry{
		cfg:         cfg,
		provider:    provider,
		records:     records,
		logger:      svcfields.WithSubsystem(cfg.Logger, "lifecycle.registry"),
		controllers: make(map[tenant.Identity]*Controller),
	}
	r.metrics = newLifecycleMetrics(r.logger, r.countByState)
	r.recorder = newRecorder(records, svcfields.WithSubsystem(cfg.Logger, "lifecycle.recorder"), r.metrics, cfg.RecorderCapacity, cfg.RecordTimeout)
	return r
}

// Recorder returns the asynchronous record updater.
func (r *Registry) Recorder() *Recorder { return r.recorder }

// Records returns the record store shared by every controller.
func (r *Registry) Records() *storage.Records { return r.records }

// Get returns the controller for key, creating it (and its record) on
// first use.
func (r *Registry) Get(ctx context.Context, key tenant.Key) (*Controller, error) {
	id := tenant.Locate(key)
	r.mu.Lock()
	c, ok := r.controllers[id]
	if !ok {
		rt, err := r.provider.Runtime(id, key)
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("lifecycle: runtime for %s: %w", id.Short(), err)
		}
		c = newController(id, key, rt, r.records, r.recorder, r.metrics, r.cfg)
		r.controllers[id] = c
		r.logger.Debug("lifecycle.controller.created", svcfields.TenantKey, key.String(), svcfields.InstanceID, id.Short())
	}
	r.mu.Unlock()
	c.ensureRecord(ctx)
	return c, nil
}

// Lookup returns an existing controller without creating one.
func (r *Registry) Lookup(id tenant.Identity) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.controllers[id]
	return c, ok
}

// Len returns the number of known controllers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}

// Range calls fn for every controller until fn returns false.
func (r *Registry) Range(fn func(*Controller) bool) {
	for _, c := range r.snapshot() {
		if !fn(c) {
			return
		}
	}
}

func (r *Registry) snapshot() []*Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		out = append(out, c)
	}
	return out
}

func (r *Registry) countByState() map[State]int64 {
	counts := make(map[State]int64, len(States))
	for _, c := range r.snapshot() {
		counts[c.State()]++
	}
	return counts
}

// CheckLiveness probes every running controller and reports a failure for
// instances that are no longer running. It returns the number of failures.
func (r *Registry) CheckLiveness(ctx context.Context) int {
	failed := 0
	for _, c := range r.snapshot() {
		if c.State() != StateRunning {
			continue
		}
		if c.runtime.IsRunning(ctx) {
			continue
		}
		if ctx.Err() != nil {
			return failed
		}
		c.ReportFailure(ctx, ErrInstanceExited)
		failed++
	}
	if failed > 0 {
		r.logger.Warn("lifecycle.liveness.failures", "count", failed)
	}
	return failed
}

// SleepAll puts every running instance to sleep. The next request for each
// starts a fresh instance.
func (r *Registry) SleepAll(reason string) int {
	slept := 0
	for _, c := range r.snapshot() {
		if c.Sleep(reason) {
			slept++
		}
	}
	if slept > 0 {
		r.logger.Info("lifecycle.sleep_all", "reason", reason, "count", slept)
	}
	return slept
}

// StopAll waits for pending starts and stops every running instance, in
// parallel, until ctx ends.
func (r *Registry) StopAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range r.snapshot() {
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			c.shutdown(ctx)
		}(c)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("lifecycle.stop_all.timeout", "error", ctx.Err())
	}
}

// Close drains the recorder and releases the compute provider.
func (r *Registry) Close(ctx context.Context) error {
	recErr := r.recorder.Close(ctx)
	provErr := r.provider.Close()
	if recErr != nil {
		return recErr
	}
	return provErr
}
