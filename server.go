package tenantd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"pkt.systems/pslog"

	"pkt.systems/tenantd/internal/clock"
	"pkt.systems/tenantd/internal/compute"
	"pkt.systems/tenantd/internal/gateway"
	"pkt.systems/tenantd/internal/httpapi"
	"pkt.systems/tenantd/internal/lifecycle"
	"pkt.systems/tenantd/internal/storage"
	"pkt.systems/tenantd/internal/svcfields"
	"pkt.systems/tenantd/internal/version"
)

// Server wraps the HTTP server, the record backend, the compute provider
// and the lifecycle registry.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	backend      storage.Backend
	ownedBackend bool
	registry     *lifecycle.Registry
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	clock        clock.Clock
	telemetry    *telemetry
	lastServeErr error

	mu          sync.Mutex
	shutdown    bool
	sweeperStop chan struct{}
	sweeperDone sync.WaitGroup
	readyOnce   sync.Once
	readyCh     chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger     pslog.Logger
	Backend    storage.Backend
	Provider   compute.Provider
	Clock      clock.Clock
	Authorizer httpapi.Authorizer
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithBackend injects a pre-built record backend. The caller keeps
// ownership; Shutdown does not close it.
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.Backend = b }
}

// WithProvider injects a compute provider instead of opening Config.Compute.
// Shutdown closes it with the registry.
func WithProvider(p compute.Provider) Option {
	return func(o *options) { o.Provider = p }
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// WithAuthorizer installs a pre-routing authorization hook.
func WithAuthorizer(a httpapi.Authorizer) Option {
	return func(o *options) { o.Authorizer = a }
}

// NewServer constructs a tenantd server according to cfg.
//
//	cfg := tenantd.Config{Store: "mem://", Compute: "process:///srv/app/bin/server"}
//	srv, err := tenantd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}
	trusted, err := gateway.ParseCIDRs(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("config: trusted proxies: %w", err)
	}

	tel, err := setupTelemetry(context.Background(), cfg, version.Current(), svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		if tel != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = tel.Shutdown(ctx)
			cancel()
		}
	}

	backend := o.Backend
	ownedBackend := false
	if backend == nil {
		backend, err = OpenBackend(context.Background(), cfg)
		if err != nil {
			cleanup()
			return nil, err
		}
		ownedBackend = true
	}
	backend = wrapBackend(backend, cfg, logger, serverClock)
	closeBackend := func() {
		if ownedBackend {
			_ = backend.Close()
		}
	}

	// The provider exists before the registry it notifies, so the change
	// hook resolves the registry lazily.
	var regRef atomic.Pointer[lifecycle.Registry]
	onChange := func() {
		if reg := regRef.Load(); reg != nil {
			reg.SleepAll("executable changed")
		}
	}
	provider := o.Provider
	if provider == nil {
		provider, err = OpenCompute(cfg, logger, onChange)
		if err != nil {
			closeBackend()
			cleanup()
			return nil, err
		}
	}

	lcfg := cfg.lifecycleConfig()
	lcfg.Clock = serverClock
	lcfg.Logger = logger
	registry := lifecycle.NewRegistry(provider, storage.NewRecords(backend), lcfg)
	regRef.Store(registry)

	gw := gateway.New(gateway.Config{
		ForwardTimeout:       cfg.ForwardTimeout,
		MaxBodyBytes:         cfg.MaxBodyBytes,
		DisableOriginHeaders: cfg.DisableOriginHeaders,
		GeoHeader:            cfg.GeoHeader,
		TrustedProxies:       trusted,
		Logger:               logger,
	})
	handler := httpapi.New(httpapi.Config{
		Registry:         registry,
		Gateway:          gw,
		Logger:           logger,
		PathPrefix:       cfg.PathPrefix,
		QueryParam:       cfg.QueryParam,
		SubdomainBase:    cfg.SubdomainBase,
		Authorizer:       o.Authorizer,
		MaxMetadataBytes: cfg.MaxMetadataBytes,
		EnableTracing:    !cfg.DisableHTTPTracing,
		Version:          version.Current(),
	})

	var root http.Handler = handler
	if cfg.H2C {
		root = h2c.NewHandler(handler, &http2.Server{MaxConcurrentStreams: uint32(cfg.HTTP2MaxConcurrentStreams)})
	}
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           root,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}

	return &Server{
		cfg:          cfg,
		logger:       svcfields.WithSubsystem(logger, "server"),
		backend:      backend,
		ownedBackend: ownedBackend,
		registry:     registry,
		handler:      handler,
		httpSrv:      httpSrv,
		clock:        serverClock,
		telemetry:    tel,
		readyCh:      make(chan struct{}),
	}, nil
}

// Handler returns the router so tenantd can be mounted inside an existing
// mux.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Registry exposes the lifecycle registry.
func (s *Server) Registry() *lifecycle.Registry {
	return s.registry
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("listening",
		"network", s.cfg.ListenProto,
		"address", ln.Addr().String(),
		"h2c", s.cfg.H2C,
		"store_scheme", schemeOf(s.cfg.Store),
		"compute_scheme", schemeOf(s.cfg.Compute),
	)
	s.startSweeper()
	defer s.stopSweeper()
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown stops accepting requests, drains the async recorder, optionally
// stops running instances, releases the compute provider and the backend,
// and finally flushes telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.stopSweeper()
	if err := s.registry.Recorder().Close(ctx); err != nil {
		s.logger.Warn("shutdown.recorder_drain_failed", "error", err, "pending", s.registry.Recorder().Pending())
	}
	if s.cfg.StopOnShutdown {
		s.registry.StopAll(ctx)
	}
	if err := s.registry.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("registry close: %w", err))
	}
	if s.ownedBackend {
		if err := s.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("backend close: %w", err))
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	s.mu.Lock()
	socket := s.socketPath
	s.mu.Unlock()
	if socket != "" {
		if err := os.Remove(socket); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	s.logger.Info("shutdown.complete", "stop_instances", s.cfg.StopOnShutdown)
	return errors.Join(errs...)
}

// Close gracefully shuts the server down within Config.ShutdownTimeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// startSweeper probes Running instances every LivenessInterval and moves
// dead ones to Error.
func (s *Server) startSweeper() {
	if s.cfg.LivenessInterval <= 0 {
		return
	}
	s.mu.Lock()
	if s.sweeperStop != nil {
		s.mu.Unlock()
		return
	}
	s.sweeperStop = make(chan struct{})
	s.sweeperDone.Add(1)
	stopCh := s.sweeperStop
	interval := s.cfg.LivenessInterval
	s.mu.Unlock()
	go func() {
		defer s.sweeperDone.Done()
		for {
			select {
			case <-stopCh:
				return
			case <-s.clock.After(interval):
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if dead := s.registry.CheckLiveness(ctx); dead > 0 {
					s.logger.Warn("liveness.sweep.failures", "count", dead)
				}
				cancel()
			}
		}
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	stopCh := s.sweeperStop
	if stopCh != nil {
		close(stopCh)
		s.sweeperStop = nil
	}
	s.mu.Unlock()
	if stopCh != nil {
		s.sweeperDone.Wait()
	}
}

func schemeOf(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" {
		return u.Scheme
	}
	return "unknown"
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the HTTP server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in a background goroutine and waits until it
// is ready. The returned stop function shuts it down gracefully.
//
//	srv, stop, err := tenantd.StartServer(ctx, cfg, tenantd.WithProvider(p))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = errors.New("server exited before becoming ready")
		}
		return nil, nil, err
	case <-waitCtx.Done():
		_ = srv.Close()
		<-errCh
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
