package gateway

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type gatewayMetrics struct {
	forwardCount    metric.Int64Counter
	forwardDuration metric.Int64Histogram
}

func newGatewayMetrics(logger pslog.Logger) *gatewayMetrics {
	meter := otel.Meter("pkt.systems/tenantd/gateway")
	m := &gatewayMetrics{}
	var err error

	m.forwardCount, err = meter.Int64Counter(
		"tenantd.gateway.forward",
		metric.WithDescription("Forwarded requests"),
	)
	logMetricInitError(logger, "tenantd.gateway.forward", err)

	m.forwardDuration, err = meter.Int64Histogram(
		"tenantd.gateway.forward.duration_ms",
		metric.WithDescription("Forward duration including cold starts"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "tenantd.gateway.forward.duration_ms", err)
	return m
}

func (m *gatewayMetrics) recordForward(ctx context.Context, result string, duration time.Duration) {
	if m == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := metric.WithAttributes(attribute.String("tenantd.gateway.result", result))
	if m.forwardCount != nil {
		m.forwardCount.Add(ctx, 1, attrs)
	}
	if m.forwardDuration != nil {
		m.forwardDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
