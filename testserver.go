package tenantd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tenantd/client"
	"pkt.systems/tenantd/internal/compute"
	"pkt.systems/tenantd/internal/compute/computetest"
)

// TestServer wraps a running Server with handles for tests.
type TestServer struct {
	Server   *Server
	BaseURL  string
	Client   *client.Client
	Config   Config
	Provider compute.Provider

	stop func(context.Context) error
}

// TestServerOption customises NewTestServer.
type TestServerOption func(*testServerOptions)

type testServerOptions struct {
	cfgHooks   []func(*Config)
	provider   compute.Provider
	logger     pslog.Logger
	unixSocket string
	serverOpts []Option
}

// WithTestConfig mutates the server config before start.
func WithTestConfig(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.cfgHooks = append(o.cfgHooks, fn)
		}
	}
}

// WithTestProvider replaces the default scripted compute provider.
func WithTestProvider(p compute.Provider) TestServerOption {
	return func(o *testServerOptions) { o.provider = p }
}

// WithTestLogger routes server logs through logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) { o.logger = logger }
}

// WithTestUnixSocket serves on a Unix socket at path instead of loopback TCP.
func WithTestUnixSocket(path string) TestServerOption {
	return func(o *testServerOptions) { o.unixSocket = path }
}

// WithTestServerOptions appends Server options.
func WithTestServerOptions(opts ...Option) TestServerOption {
	return func(o *testServerOptions) { o.serverOpts = append(o.serverOpts, opts...) }
}

// NewTestServer starts an in-memory tenantd on an ephemeral loopback port.
// Without WithTestProvider, instances are served by computetest runtimes that
// echo "METHOD URI".
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	var o testServerOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.provider == nil {
		o.provider = computetest.NewProvider()
	}
	cfg := Config{
		Store:            "mem://",
		Listen:           "127.0.0.1:0",
		ListenProto:      "tcp",
		StopOnShutdown:   true,
		LivenessInterval: 0,
		ShutdownTimeout:  10 * time.Second,
	}
	if o.unixSocket != "" {
		cfg.ListenProto = "unix"
		cfg.Listen = o.unixSocket
	}
	for _, hook := range o.cfgHooks {
		hook(&cfg)
	}
	serverOpts := append([]Option{WithProvider(o.provider)}, o.serverOpts...)
	if o.logger != nil {
		serverOpts = append(serverOpts, WithLogger(o.logger))
	}
	srv, stop, err := StartServer(ctx, cfg, serverOpts...)
	if err != nil {
		return nil, err
	}
	baseURL := ""
	if addr := srv.ListenerAddr(); addr != nil {
		if cfg.ListenProto == "unix" {
			baseURL = "unix://" + filepath.Clean(addr.String())
		} else {
			baseURL = "http://" + addr.String()
		}
	}
	cli, err := client.New(baseURL, client.WithPathPrefix(srv.cfg.PathPrefix))
	if err != nil {
		_ = stop(context.Background())
		return nil, fmt.Errorf("testserver: client: %w", err)
	}
	return &TestServer{
		Server:   srv,
		BaseURL:  baseURL,
		Client:   cli,
		Config:   srv.cfg,
		Provider: o.provider,
		stop:     stop,
	}, nil
}

// StartTestServer starts a TestServer and stops it when tb finishes.
func StartTestServer(tb testing.TB, opts ...TestServerOption) *TestServer {
	tb.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ts, err := NewTestServer(ctx, opts...)
	if err != nil {
		cancel()
		tb.Fatalf("start test server: %v", err)
	}
	tb.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := ts.Stop(stopCtx); err != nil {
			tb.Logf("test server stop: %v", err)
		}
		cancel()
	})
	return ts
}

// URL returns the base URL clients should dial.
func (ts *TestServer) URL() string {
	if ts == nil {
		return ""
	}
	return ts.BaseURL
}

// Stop shuts down the server.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

// Addr returns the listener address.
func (ts *TestServer) Addr() net.Addr {
	if ts == nil || ts.Server == nil {
		return nil
	}
	return ts.Server.ListenerAddr()
}

type testingWriter struct {
	t      testing.TB
	mu     sync.Mutex
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					// The testing package panics when a goroutine logs after
					// the test has returned.
					if strings.Contains(fmt.Sprint(r), "Log in goroutine after") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger returns a structured pslog logger that writes through t.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	logger := pslog.NewStructured(context.Background(), writer).LogLevel(level)
	return logger.With("app", "testserver")
}
