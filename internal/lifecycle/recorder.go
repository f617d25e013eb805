package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tenantd/internal/storage"
	"pkt.systems/tenantd/internal/svcfields"
	"pkt.systems/tenantd/internal/tenant"
)

// ErrRecorderClosed is returned by Flush after Close.
var ErrRecorderClosed = errors.New("lifecycle: recorder closed")

type pendingUpdate struct {
	requests uint64
	location string
}

// Recorder applies request counters and location updates to instance
// records off the forwarding path. Updates for one identity coalesce; the
// queue holds at most capacity identities and drops new identities beyond
// that.
type Recorder struct {
	records  *storage.Records
	logger   pslog.Logger
	metrics  *lifecycleMetrics
	capacity int
	timeout  time.Duration

	mu      sync.Mutex
	pending map[tenant.Identity]*pendingUpdate
	closed  bool

	notify chan struct{}
	flush  chan chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newRecorder(records *storage.Records, logger pslog.Logger, metrics *lifecycleMetrics, capacity int, timeout time.Duration) *Recorder {
	r := &Recorder{
		records:  records,
		logger:   logger,
		metrics:  metrics,
		capacity: capacity,
		timeout:  timeout,
		pending:  make(map[tenant.Identity]*pendingUpdate),
		notify:   make(chan struct{}, 1),
		flush:    make(chan chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues requests additional requests and, when location is not
// empty, a new last known location for id. It reports whether the update
// was accepted.
func (r *Recorder) Record(id tenant.Identity, requests uint64, location string) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	p, ok := r.pending[id]
	if !ok {
		if len(r.pending) >= r.capacity {
			r.mu.Unlock()
			r.logger.Warn("lifecycle.recorder.dropped", svcfields.InstanceID, id.Short(), "requests", requests)
			r.metrics.recordDropped()
			return false
		}
		p = &pendingUpdate{}
		r.pending[id] = p
	}
	p.requests += requests
	if location != "" {
		p.location = location
	}
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return true
}

// Pending returns the number of identities with queued updates.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Flush blocks until every update queued before the call is written.
func (r *Recorder) Flush(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case r.flush <- reply:
	case <-r.done:
		return ErrRecorderClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting updates, drains the queue and waits for the worker
// until ctx ends.
func (r *Recorder) Close(ctx context.Context) error {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.stop)
	})
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for {
		select {
		case <-r.notify:
			r.drain()
		case reply := <-r.flush:
			r.drain()
			close(reply)
		case <-r.stop:
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	for {
		r.mu.Lock()
		if len(r.pending) == 0 {
			r.mu.Unlock()
			return
		}
		batch := r.pending
		r.pending = make(map[tenant.Identity]*pendingUpdate, len(batch))
		r.mu.Unlock()
		for id, p := range batch {
			r.apply(id, p)
		}
	}
}

func (r *Recorder) apply(id tenant.Identity, p *pendingUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	_, err := r.records.Update(ctx, id.String(), func(rec *storage.Record) error {
		rec.TotalRequests += p.requests
		if p.location != "" {
			rec.LastKnownLocation = p.location
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("lifecycle.recorder.update_failed", svcfields.InstanceID, id.Short(), "requests", p.requests, "error", err)
		return
	}
	r.logger.Trace("lifecycle.recorder.update", svcfields.InstanceID, id.Short(), "requests", p.requests, "location", p.location)
}
