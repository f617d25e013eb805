package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/pslog"

	"pkt.systems/tenantd/internal/clock"
	"pkt.systems/tenantd/internal/compute"
	"pkt.systems/tenantd/internal/core"
	"pkt.systems/tenantd/internal/correlation"
	"pkt.systems/tenantd/internal/storage"
	"pkt.systems/tenantd/internal/svcfields"
	"pkt.systems/tenantd/internal/tenant"
)

// ErrInstanceExited is reported when a running instance disappears without
// being stopped.
var ErrInstanceExited = errors.New("lifecycle: instance exited unexpectedly")

// errForwardFailures is recorded when repeated forwards fail.
var errForwardFailures = errors.New("lifecycle: instance unreachable")

type startAttempt struct {
	id   string
	done chan struct{}
	err  error
}

// Controller owns the lifecycle of one instance. Forwarding through a
// running controller never takes a lock beyond the short critical sections
// of BeginForward and EndForward; the only serialization point is the
// single shared start attempt.
type Controller struct {
	id       tenant.Identity
	key      tenant.Key
	runtime  compute.Runtime
	records  *storage.Records
	recorder *Recorder
	metrics  *lifecycleMetrics
	cfg      Config
	clk      clock.Clock
	logger   pslog.Logger

	restartMu sync.Mutex

	mu        sync.Mutex
	state     State
	since     time.Time
	attempt   *startAttempt
	lastStart string
	stopping  chan struct{}
	idleTimer clock.Timer
	idleGen   uint64
	inflight  int
	drained   chan struct{}
	failures  int

	ensureMu sync.Mutex
	ensured  bool
}

func newController(id tenant.Identity, key tenant.Key, rt compute.Runtime, records *storage.Records, recorder *Recorder, metrics *lifecycleMetrics, cfg Config) *Controller {
	return &Controller{
		id:       id,
		key:      key,
		runtime:  rt,
		records:  records,
		recorder: recorder,
		metrics:  metrics,
		cfg:      cfg,
		clk:      cfg.Clock,
		logger: svcfields.WithSubsystem(cfg.Logger, "lifecycle.controller").With(
			svcfields.TenantKey, key.String(),
			svcfields.InstanceID, id.Short(),
		),
		state: StateCold,
		since: cfg.Clock.Now(),
	}
}

// Identity returns the instance identity.
func (c *Controller) Identity() tenant.Identity { return c.id }

// Key returns the tenant key the controller was created for.
func (c *Controller) Key() tenant.Key { return c.key }

// Runtime returns the compute runtime driven by the controller.
func (c *Controller) Runtime() compute.Runtime { return c.runtime }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ensureRecord performs the create-only record write once. A failure is
// logged and retried on the next registry lookup.
func (c *Controller) ensureRecord(ctx context.Context) {
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	if c.ensured {
		return
	}
	created, err := c.records.Ensure(ctx, c.id.String(), c.key.String())
	if err != nil {
		c.logger.Warn("lifecycle.record.ensure_failed", "error", err)
		return
	}
	c.ensured = true
	if created {
		c.logger.Debug("lifecycle.record.created")
	}
}

func (c *Controller) transitionLocked(ev Event) bool {
	to, ok := Next(c.state, ev)
	if !ok {
		c.logger.Debug("lifecycle.transition.rejected", svcfields.State, c.state.String(), "event", string(ev))
		return false
	}
	from := c.state
	c.state = to
	if from != to {
		c.since = c.clk.Now()
		c.metrics.recordTransition(from, to)
		c.logger.Debug("lifecycle.transition", "from", from.String(), "to", to.String(), "event", string(ev))
	}
	return true
}

// EnsureRunning returns once the instance is Running, joining an in-flight
// start attempt when there is one. A caller whose ctx ends stops waiting;
// the attempt itself continues for the benefit of other callers.
func (c *Controller) EnsureRunning(ctx context.Context) error {
	for {
		c.mu.Lock()
		switch c.state {
		case StateRunning:
			c.mu.Unlock()
			return nil
		case StateStarting:
			att := c.attempt
			c.mu.Unlock()
			return c.wait(ctx, att)
		case StateIdle, StateStopping:
			stopping := c.stopping
			c.mu.Unlock()
			select {
			case <-stopping:
				continue
			case <-ctx.Done():
				return core.NewFailure(core.CodeInstanceStartFailed, "canceled while waiting for instance to stop", ctx.Err())
			}
		default:
			att := c.beginStartLocked(EventEnsure)
			c.mu.Unlock()
			return c.wait(ctx, att)
		}
	}
}

func (c *Controller) wait(ctx context.Context, att *startAttempt) error {
	select {
	case <-att.done:
		return att.err
	case <-ctx.Done():
		return core.NewFailure(core.CodeInstanceStartFailed, "canceled while waiting for instance start", ctx.Err())
	}
}

// beginStartLocked moves the controller to Starting and launches the
// attempt. Callers hold c.mu.
func (c *Controller) beginStartLocked(ev Event) *startAttempt {
	from := c.state
	if !c.transitionLocked(ev) {
		return &startAttempt{done: closedChan(), err: core.NewFailure(core.CodeInstanceStartFailed, "cannot start from "+from.String(), nil)}
	}
	att := &startAttempt{id: xid.New().String(), done: make(chan struct{})}
	c.attempt = att
	c.lastStart = att.id
	c.stopIdleLocked()
	go c.runStart(att, from)
	return att
}

func (c *Controller) runStart(att *startAttempt, from State) {
	logger := c.logger.With(svcfields.AttemptID, att.id)
	started := c.clk.Now()
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StartTimeout)
	defer cancel()
	ctx = pslog.ContextWithLogger(ctx, logger)

	if from == StateError {
		// A failed instance may still hold resources; start from a clean slate.
		stopCtx, stopCancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
		if err := c.runtime.Stop(stopCtx); err != nil {
			logger.Debug("lifecycle.start.pre_stop_failed", "error", err)
		}
		stopCancel()
	}

	if _, err := c.records.Update(ctx, c.id.String(), func(rec *storage.Record) error {
		if rec.TenantKey == "" {
			rec.TenantKey = c.key.String()
		}
		rec.StartCount++
		now := started
		rec.LastStarted = &now
		return nil
	}); err != nil {
		logger.Warn("lifecycle.start.record_failed", "error", err)
	}

	logger.Info("lifecycle.start.begin", "from", from.String())
	err := c.runtime.Start(ctx)
	if err == nil {
		err = c.awaitHealthy(ctx)
	}
	elapsed := c.clk.Now().Sub(started)
	c.metrics.recordStart(ctx, elapsed, err)
	if err != nil {
		logger.Warn("lifecycle.start.error", "error", err, "elapsed", elapsed)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
		if stopErr := c.runtime.Stop(stopCtx); stopErr != nil {
			logger.Debug("lifecycle.start.cleanup_failed", "error", stopErr)
		}
		stopCancel()
		c.recordError(err)
		c.mu.Lock()
		c.transitionLocked(EventStartFailed)
		c.attempt = nil
		att.err = core.NewFailure(core.CodeInstanceStartFailed, startFailureDetail(err), err)
		close(att.done)
		c.mu.Unlock()
		return
	}
	logger.Info("lifecycle.start.success", "elapsed", elapsed)
	c.mu.Lock()
	c.transitionLocked(EventStarted)
	c.attempt = nil
	c.failures = 0
	c.resetIdleLocked()
	close(att.done)
	c.mu.Unlock()
}

func startFailureDetail(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "instance did not become healthy before the start timeout"
	}
	return "instance failed to start"
}

func (c *Controller) awaitHealthy(ctx context.Context) error {
	var lastErr error
	for {
		probeCtx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
		err := c.runtime.HealthCheck(probeCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return fmt.Errorf("health check: %w (last probe: %v)", ctx.Err(), lastErr)
		case <-c.clk.After(c.cfg.HealthInterval):
		}
	}
}

func (c *Controller) recordError(cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RecordTimeout)
	defer cancel()
	info := &storage.ErrorInfo{Message: cause.Error(), Timestamp: c.clk.Now()}
	if _, err := c.records.Update(ctx, c.id.String(), func(rec *storage.Record) error {
		rec.LastError = info
		return nil
	}); err != nil {
		c.logger.Warn("lifecycle.record.last_error_failed", "error", err)
	}
}

func (c *Controller) recordStopped() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RecordTimeout)
	defer cancel()
	now := c.clk.Now()
	if _, err := c.records.Update(ctx, c.id.String(), func(rec *storage.Record) error {
		rec.LastStopped = &now
		return nil
	}); err != nil {
		c.logger.Warn("lifecycle.record.last_stopped_failed", "error", err)
	}
}

func (c *Controller) resetIdleLocked() {
	c.idleGen++
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	if c.cfg.IdleTimeout <= 0 {
		return
	}
	gen := c.idleGen
	c.idleTimer = c.clk.AfterFunc(c.cfg.IdleTimeout, func() { c.onIdle(gen) })
}

func (c *Controller) stopIdleLocked() {
	c.idleGen++
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

func (c *Controller) onIdle(gen uint64) {
	c.mu.Lock()
	if gen != c.idleGen || c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	if c.inflight > 0 {
		c.resetIdleLocked()
		c.mu.Unlock()
		return
	}
	c.sleepLocked("idle")
}

// Sleep stops a running instance immediately, as if its idle timer had
// elapsed. Other states are left alone.
func (c *Controller) Sleep(reason string) bool {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return false
	}
	c.sleepLocked(reason)
	return true
}

// sleepLocked runs the Running→Idle→Sleeping path. It is entered with c.mu
// held and returns with it released.
func (c *Controller) sleepLocked(reason string) {
	c.stopIdleLocked()
	c.transitionLocked(EventIdleElapsed)
	stopping := make(chan struct{})
	c.stopping = stopping
	c.mu.Unlock()

	c.logger.Info("lifecycle.sleep.begin", "reason", reason)
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
	err := c.runtime.Stop(ctx)
	cancel()
	if err != nil {
		c.logger.Warn("lifecycle.sleep.stop_failed", "error", err)
	}
	c.recordStopped()

	c.mu.Lock()
	if c.state == StateIdle {
		c.transitionLocked(EventStopped)
	}
	c.stopping = nil
	close(stopping)
	c.mu.Unlock()
	c.logger.Info("lifecycle.sleep.success", "reason", reason)
}

// Restart force-stops the instance regardless of its state and starts it
// again. It returns once the instance is Running or the start failed.
func (c *Controller) Restart(ctx context.Context) error {
	c.restartMu.Lock()
	defer c.restartMu.Unlock()

	for {
		c.mu.Lock()
		switch c.state {
		case StateStarting:
			att := c.attempt
			c.mu.Unlock()
			select {
			case <-att.done:
			case <-ctx.Done():
				return core.NewFailure(core.CodeInstanceStartFailed, "canceled while waiting for instance start", ctx.Err())
			}
			continue
		case StateIdle, StateStopping:
			stopping := c.stopping
			c.mu.Unlock()
			select {
			case <-stopping:
			case <-ctx.Done():
				return core.NewFailure(core.CodeInstanceStartFailed, "canceled while waiting for instance to stop", ctx.Err())
			}
			continue
		}
		break
	}

	c.stopIdleLocked()
	c.transitionLocked(EventRestart)
	stopping := make(chan struct{})
	c.stopping = stopping
	drain := c.setupDrainLocked()
	c.mu.Unlock()

	c.logger.Info("lifecycle.restart.begin")
	if drain != nil {
		c.waitDrain(ctx, drain)
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
	if err := c.runtime.Stop(stopCtx); err != nil {
		c.logger.Warn("lifecycle.restart.stop_failed", "error", err)
	}
	cancel()
	c.recordStopped()

	c.mu.Lock()
	c.stopping = nil
	close(stopping)
	att := c.beginStartLocked(EventEnsure)
	c.mu.Unlock()
	return c.wait(ctx, att)
}

func (c *Controller) setupDrainLocked() chan struct{} {
	if c.cfg.RestartDrain <= 0 || c.inflight == 0 {
		return nil
	}
	if c.drained == nil {
		c.drained = make(chan struct{})
	}
	return c.drained
}

func (c *Controller) waitDrain(ctx context.Context, drained chan struct{}) {
	select {
	case <-drained:
		c.logger.Debug("lifecycle.restart.drained")
	case <-c.clk.After(c.cfg.RestartDrain):
		c.logger.Warn("lifecycle.restart.drain_timeout", "drain", c.cfg.RestartDrain)
	case <-ctx.Done():
	}
}

// ReportFailure records an unrecoverable runtime error. The controller
// moves to Error and the next EnsureRunning starts the instance afresh.
func (c *Controller) ReportFailure(ctx context.Context, cause error) {
	if cause == nil {
		cause = ErrInstanceExited
	}
	c.mu.Lock()
	if !c.transitionLocked(EventFailure) {
		c.mu.Unlock()
		return
	}
	c.stopIdleLocked()
	c.failures = 0
	c.mu.Unlock()
	c.logger.Warn("lifecycle.failure", "error", cause, "cid", correlation.ID(ctx))
	c.recordError(cause)
}

// BeginForward marks a forward in flight.
func (c *Controller) BeginForward() {
	c.mu.Lock()
	c.inflight++
	c.mu.Unlock()
}

// EndForward completes a forward started with BeginForward. A nil err
// resets the idle timer and queues a request count (and location, when
// known) for the record. A failure is recorded as lastError; after
// UnreachableThreshold consecutive failures a running controller moves to
// Error.
func (c *Controller) EndForward(err error, location string) {
	c.mu.Lock()
	if c.inflight > 0 {
		c.inflight--
	}
	if c.inflight == 0 && c.drained != nil {
		close(c.drained)
		c.drained = nil
	}
	if err == nil {
		c.failures = 0
		if c.state == StateRunning {
			c.transitionLocked(EventForwardOK)
			c.resetIdleLocked()
		}
		c.mu.Unlock()
		if c.recorder != nil {
			c.recorder.Record(c.id, 1, location)
		}
		return
	}
	c.failures++
	tripped := c.failures >= c.cfg.UnreachableThreshold && c.state == StateRunning
	if tripped {
		c.transitionLocked(EventFailure)
		c.stopIdleLocked()
		c.failures = 0
	}
	c.mu.Unlock()
	if tripped {
		c.logger.Warn("lifecycle.forward.unreachable", "threshold", c.cfg.UnreachableThreshold, "error", err)
	}
	c.recordError(fmt.Errorf("%w: %v", errForwardFailures, err))
}

// CancelForward ends a forward abandoned by its caller. It counts neither
// as a success nor as a failure.
func (c *Controller) CancelForward() {
	c.mu.Lock()
	if c.inflight > 0 {
		c.inflight--
	}
	if c.inflight == 0 && c.drained != nil {
		close(c.drained)
		c.drained = nil
	}
	c.mu.Unlock()
}

// Status is a point-in-time view of a controller merged with its record.
type Status struct {
	Identity            tenant.Identity
	TenantKey           tenant.Key
	State               State
	Since               time.Time
	InFlight            int
	ConsecutiveFailures int
	AttemptID           string
	Endpoint            string
	Record              *storage.Record
	Runtime             map[string]any
}

// Status returns the current state and record without side effects.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	c.mu.Lock()
	st := Status{
		Identity:            c.id,
		TenantKey:           c.key,
		State:               c.state,
		Since:               c.since,
		InFlight:            c.inflight,
		ConsecutiveFailures: c.failures,
		AttemptID:           c.lastStart,
	}
	c.mu.Unlock()
	res, err := c.records.Load(ctx, c.id.String())
	if err != nil {
		return st, core.NewFailure(core.CodeInternalError, "load instance record", err)
	}
	st.Record = res.Record
	st.Endpoint = compute.Endpoint(c.runtime)
	st.Runtime = compute.Stats(ctx, c.runtime)
	return st, nil
}

// Metadata returns the stored metadata map.
func (c *Controller) Metadata(ctx context.Context) (map[string]any, error) {
	v, err := c.records.Get(ctx, c.id.String(), storage.FieldMetadata)
	if err != nil {
		return nil, core.NewFailure(core.CodeInternalError, "load instance metadata", err)
	}
	md, _ := v.(map[string]any)
	if md == nil {
		md = map[string]any{}
	}
	return md, nil
}

// SetMetadata merges patch into the stored metadata, overwriting keys on
// collision, and stamps updatedAt. It returns the merged map.
func (c *Controller) SetMetadata(ctx context.Context, patch map[string]any) (map[string]any, error) {
	now := c.clk.Now()
	rec, err := c.records.Update(ctx, c.id.String(), func(rec *storage.Record) error {
		if rec.TenantKey == "" {
			rec.TenantKey = c.key.String()
		}
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]any, len(patch))
		}
		for k, v := range patch {
			rec.Metadata[k] = v
		}
		rec.UpdatedAt = &now
		return nil
	})
	if err != nil {
		c.logger.Warn("lifecycle.metadata.write_failed", "error", err)
		return nil, core.NewFailure(core.CodeMetadataWriteFailed, "metadata could not be persisted", err)
	}
	c.logger.Debug("lifecycle.metadata.updated", "keys", len(patch))
	return rec.Clone().Metadata, nil
}

// shutdown waits for a pending start and then sleeps a running instance.
func (c *Controller) shutdown(ctx context.Context) {
	c.mu.Lock()
	att := c.attempt
	stopping := c.stopping
	c.mu.Unlock()
	if att != nil {
		select {
		case <-att.done:
		case <-ctx.Done():
			return
		}
	}
	if stopping != nil {
		select {
		case <-stopping:
		case <-ctx.Done():
			return
		}
	}
	c.Sleep("shutdown")
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
