// Package retry wraps a storage.Backend with bounded exponential backoff for
// errors marked transient by the backend.
package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tenantd/internal/clock"
	"pkt.systems/tenantd/internal/storage"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &backend{inner: inner, logger: logger, clock: clk, cfg: cfg}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) LoadRecord(ctx context.Context, id string) (storage.LoadResult, error) {
	var result storage.LoadResult
	err := b.withRetry(ctx, "load_record", id, func(ctx context.Context) error {
		var err error
		result, err = b.inner.LoadRecord(ctx, id)
		return err
	})
	return result, err
}

func (b *backend) StoreRecord(ctx context.Context, id string, rec *storage.Record, expectedETag string) (string, error) {
	var etag string
	err := b.withRetry(ctx, "store_record", id, func(ctx context.Context) error {
		var err error
		etag, err = b.inner.StoreRecord(ctx, id, rec, expectedETag)
		return err
	})
	return etag, err
}

func (b *backend) DeleteRecord(ctx context.Context, id string, expectedETag string) error {
	return b.withRetry(ctx, "delete_record", id, func(ctx context.Context) error {
		return b.inner.DeleteRecord(ctx, id, expectedETag)
	})
}

func (b *backend) ListRecords(ctx context.Context) ([]string, error) {
	var ids []string
	err := b.withRetry(ctx, "list_records", "", func(ctx context.Context) error {
		var err error
		ids, err = b.inner.ListRecords(ctx)
		return err
	})
	return ids, err
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) withRetry(ctx context.Context, op, id string, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		b.logger.Warn("storage transient error",
			"operation", op,
			"instance", id,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.clock.Sleep(delay)
			next := time.Duration(float64(delay) * b.cfg.Multiplier)
			if b.cfg.MaxDelay > 0 && next > b.cfg.MaxDelay {
				next = b.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}
