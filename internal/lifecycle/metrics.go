package lifecycle

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type lifecycleMetrics struct {
	startCount    metric.Int64Counter
	startDuration metric.Int64Histogram
	transitions   metric.Int64Counter
	instances     metric.Int64ObservableGauge
	dropped       metric.Int64Counter
}

func newLifecycleMetrics(logger pslog.Logger, counts func() map[State]int64) *lifecycleMetrics {
	meter := otel.Meter("pkt.systems/tenantd/lifecycle")
	m := &lifecycleMetrics{}
	var err error

	m.startCount, err = meter.Int64Counter(
		"tenantd.lifecycle.start",
		metric.WithDescription("Instance start attempts"),
	)
	logMetricInitError(logger, "tenantd.lifecycle.start", err)

	m.startDuration, err = meter.Int64Histogram(
		"tenantd.lifecycle.start.duration_ms",
		metric.WithDescription("Instance start duration including health checks"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "tenantd.lifecycle.start.duration_ms", err)

	m.transitions, err = meter.Int64Counter(
		"tenantd.lifecycle.transition",
		metric.WithDescription("Lifecycle state transitions"),
	)
	logMetricInitError(logger, "tenantd.lifecycle.transition", err)

	m.dropped, err = meter.Int64Counter(
		"tenantd.recorder.dropped",
		metric.WithDescription("Record updates dropped because the recorder queue was full"),
	)
	logMetricInitError(logger, "tenantd.recorder.dropped", err)

	m.instances, err = meter.Int64ObservableGauge(
		"tenantd.lifecycle.instances",
		metric.WithDescription("Known instances by lifecycle state"),
	)
	logMetricInitError(logger, "tenantd.lifecycle.instances", err)
	if err == nil && counts != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			snapshot := counts()
			for _, s := range States {
				o.ObserveInt64(m.instances, snapshot[s], metric.WithAttributes(attribute.String("tenantd.lifecycle.state", s.String())))
			}
			return nil
		}, m.instances); err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "tenantd.lifecycle.instances", "error", err)
		}
	}
	return m
}

func (m *lifecycleMetrics) recordStart(ctx context.Context, duration time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(attribute.String("tenantd.lifecycle.result", metricResultLabel(err)))
	if m.startCount != nil {
		m.startCount.Add(ctx, 1, attrs)
	}
	if m.startDuration != nil {
		m.startDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *lifecycleMetrics) recordTransition(from, to State) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("tenantd.lifecycle.from", from.String()),
		attribute.String("tenantd.lifecycle.to", to.String()),
	))
}

func (m *lifecycleMetrics) recordDropped() {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(context.Background(), 1)
}

func metricResultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
