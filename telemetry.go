package tenantd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"
)

const (
	otlpGRPCPort     = "4317"
	otlpHTTPPort     = "4318"
	otlpExportWindow = 10 * time.Second
)

// telemetry owns the trace/metric providers and the side listeners. Each
// started piece pushes its shutdown onto stack; Shutdown unwinds it in
// reverse order.
type telemetry struct {
	logger       pslog.Logger
	stack        []func(context.Context) error
	metricsAddr  net.Addr
	pprofAddr    net.Addr
	shutdownOnce sync.Once
	shutdownErr  error
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

// setupTelemetry wires what cfg asks for. It returns nil when nothing is
// enabled so callers can skip shutdown entirely.
func setupTelemetry(ctx context.Context, cfg Config, serviceVersion string, logger pslog.Logger) (*telemetry, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	metricsListen := strings.TrimSpace(cfg.MetricsListen)
	pprofListen := strings.TrimSpace(cfg.PprofListen)
	if endpoint == "" && metricsListen == "" && pprofListen == "" {
		return nil, nil
	}
	if cfg.EnableProfilingMetrics && metricsListen == "" {
		return nil, fmt.Errorf("telemetry: profiling metrics require metrics listen address")
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	t := &telemetry{logger: logger}
	fail := func(err error) (*telemetry, error) {
		_ = t.Shutdown(context.Background())
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName("tenantd"),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	if endpoint != "" {
		target, err := resolveOTLPTarget(endpoint)
		if err != nil {
			return nil, err
		}
		exporter, err := newTraceExporter(ctx, target)
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1.0))),
			sdktrace.WithBatcher(exporter),
		)
		otel.SetTracerProvider(tp)
		t.push("trace", tp.Shutdown)
		logger.Info("telemetry.tracing.enabled",
			"protocol", target.protocol,
			"endpoint", target.endpoint,
			"path", target.path,
			"insecure", target.insecure,
		)
	}

	if metricsListen != "" {
		registry := prometheus.NewRegistry()
		opts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
		if cfg.EnableProfilingMetrics {
			opts = append(opts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(opts...)
		if err != nil {
			return fail(fmt.Errorf("telemetry: start prometheus exporter: %w", err))
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))
		otel.SetMeterProvider(mp)
		t.push("metric", mp.Shutdown)
		if cfg.EnableProfilingMetrics {
			runtimeMetricsOnce.Do(func() {
				runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(mp))
			})
			if runtimeMetricsErr != nil {
				return fail(fmt.Errorf("telemetry: runtime metrics: %w", runtimeMetricsErr))
			}
			logger.Info("profiling.metrics.enabled")
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		addr, err := t.serve("metrics", metricsListen, mux)
		if err != nil {
			return fail(err)
		}
		t.metricsAddr = addr
		logger.Info("telemetry.metrics.enabled", "listen", addr.String())
	}

	if pprofListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		addr, err := t.serve("pprof", pprofListen, mux)
		if err != nil {
			return fail(err)
		}
		t.pprofAddr = addr
		logger.Info("profiling.pprof.enabled", "listen", addr.String())
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(otelErrorHandler{logger: logger})
	return t, nil
}

func (t *telemetry) push(name string, fn func(context.Context) error) {
	t.stack = append(t.stack, func(ctx context.Context) error {
		if err := fn(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry.shutdown.failure", "component", name, "error", err)
			return fmt.Errorf("%s shutdown: %w", name, err)
		}
		return nil
	})
}

func (t *telemetry) serve(name, addr string, handler http.Handler) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %s listen: %w", name, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry.serve_error", "component", name, "error", err)
		}
	}()
	t.push(name+" server", srv.Shutdown)
	return ln.Addr(), nil
}

// Shutdown flushes exporters and closes the side listeners.
func (t *telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.shutdownOnce.Do(func() {
		var errs []error
		for i := len(t.stack) - 1; i >= 0; i-- {
			if err := t.stack[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		t.shutdownErr = errors.Join(errs...)
		if t.shutdownErr == nil {
			t.logger.Info("telemetry.shutdown.complete")
		}
	})
	return t.shutdownErr
}

type otlpTarget struct {
	protocol string // "grpc" or "http"
	endpoint string // host:port
	path     string
	insecure bool
}

func newTraceExporter(ctx context.Context, target otlpTarget) (sdktrace.SpanExporter, error) {
	switch target.protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(target.endpoint),
			otlptracegrpc.WithTimeout(otlpExportWindow),
		}
		if target.insecure {
			opts = append(opts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		} else {
			opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))))
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: start trace exporter (grpc): %w", err)
		}
		return exp, nil
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.endpoint),
			otlptracehttp.WithTimeout(otlpExportWindow),
		}
		if target.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.path != "" && target.path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(target.path))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: start trace exporter (http): %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.protocol)
	}
}

// resolveOTLPTarget accepts host[:port] (insecure grpc) or a URL with a
// grpc, grpcs, http or https scheme.
func resolveOTLPTarget(raw string) (otlpTarget, error) {
	if raw == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		return otlpTarget{protocol: "grpc", endpoint: withDefaultPort(raw, otlpGRPCPort), insecure: true}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	host := u.Host
	if host == "" {
		host, u.Path = u.Path, ""
	}
	if host == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: missing endpoint host")
	}
	target := otlpTarget{path: strings.TrimSuffix(u.Path, "/")}
	switch strings.ToLower(u.Scheme) {
	case "grpc", "grpcs":
		target.protocol = "grpc"
		target.endpoint = withDefaultPort(host, otlpGRPCPort)
	case "http", "https":
		target.protocol = "http"
		target.endpoint = withDefaultPort(host, otlpHTTPPort)
	default:
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	target.insecure = !strings.HasSuffix(strings.ToLower(u.Scheme), "s")
	return target, nil
}

func withDefaultPort(host, port string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, port)
}
