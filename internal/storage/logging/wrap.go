// Package logging decorates a storage.Backend with trace/debug events and
// OpenTelemetry spans.
package logging

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/tenantd/internal/correlation"
	"pkt.systems/tenantd/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/tenantd/storage"),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op, id string) (context.Context, trace.Span, pslog.Logger, func(string, error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "tenantd.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("tenantd.storage.operation", op),
		attribute.String("tenantd.sys", b.sys),
	)
	if id != "" {
		span.SetAttributes(attribute.String("tenantd.instance", id))
	}

	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	} else if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
	}
	if corr := correlation.ID(ctx); corr != "" {
		span.SetAttributes(attribute.String("tenantd.correlation_id", corr))
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, func(result string, err error) {
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.AddEvent("tenantd.storage.end", trace.WithAttributes(
			attribute.String("tenantd.storage.result", result),
			attribute.Int64("tenantd.storage.duration_ms", time.Since(begin).Milliseconds()),
		))
	}
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, storage.ErrCASMismatch):
		return "cas_mismatch"
	default:
		return "error"
	}
}

func (b *backend) LoadRecord(ctx context.Context, id string) (storage.LoadResult, error) {
	ctx, span, verbose, finish := b.start(ctx, "load_record", id)
	defer span.End()
	begin := time.Now()
	verbose.Trace("storage.load_record.begin", "instance", id)

	result, err := b.inner.LoadRecord(ctx, id)
	finish(resultOf(err), err)
	if err != nil {
		verbose.Debug("storage.load_record.error", "instance", id, "error", err, "elapsed", time.Since(begin))
		return result, err
	}
	if result.Record != nil {
		span.SetAttributes(attribute.Int64("tenantd.storage.record_version", result.Record.Version))
	}
	verbose.Trace("storage.load_record.success", "instance", id, "etag", result.ETag, "elapsed", time.Since(begin))
	return result, nil
}

func (b *backend) StoreRecord(ctx context.Context, id string, rec *storage.Record, expectedETag string) (string, error) {
	ctx, span, verbose, finish := b.start(ctx, "store_record", id)
	defer span.End()
	begin := time.Now()
	span.SetAttributes(attribute.Bool("tenantd.storage.create_only", expectedETag == ""))
	verbose.Trace("storage.store_record.begin", "instance", id, "expected_etag", expectedETag)

	etag, err := b.inner.StoreRecord(ctx, id, rec, expectedETag)
	finish(resultOf(err), err)
	if err != nil {
		verbose.Debug("storage.store_record.error", "instance", id, "expected_etag", expectedETag, "error", err, "elapsed", time.Since(begin))
		return etag, err
	}
	verbose.Trace("storage.store_record.success", "instance", id, "etag", etag, "elapsed", time.Since(begin))
	return etag, nil
}

func (b *backend) DeleteRecord(ctx context.Context, id string, expectedETag string) error {
	ctx, span, verbose, finish := b.start(ctx, "delete_record", id)
	defer span.End()
	begin := time.Now()

	err := b.inner.DeleteRecord(ctx, id, expectedETag)
	finish(resultOf(err), err)
	if err != nil {
		verbose.Debug("storage.delete_record.error", "instance", id, "error", err, "elapsed", time.Since(begin))
		return err
	}
	verbose.Debug("storage.delete_record.success", "instance", id, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) ListRecords(ctx context.Context) ([]string, error) {
	ctx, span, verbose, finish := b.start(ctx, "list_records", "")
	defer span.End()
	begin := time.Now()

	ids, err := b.inner.ListRecords(ctx)
	finish(resultOf(err), err)
	if err != nil {
		verbose.Debug("storage.list_records.error", "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	span.SetAttributes(attribute.Int("tenantd.storage.count", len(ids)))
	verbose.Trace("storage.list_records.success", "count", len(ids), "elapsed", time.Since(begin))
	return ids, nil
}

func (b *backend) Close() error {
	err := b.inner.Close()
	if err != nil {
		b.logger.Warn("storage.close.error", "sys", b.sys, "error", err)
	}
	return err
}
