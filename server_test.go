package tenantd

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"golang.org/x/net/http2"

	"pkt.systems/tenantd/client"
	"pkt.systems/tenantd/internal/compute/computetest"
	"pkt.systems/tenantd/internal/core"
	"pkt.systems/tenantd/internal/httpapi"
	"pkt.systems/tenantd/internal/lifecycle"
	"pkt.systems/tenantd/internal/storage/memory"
	"pkt.systems/tenantd/internal/tenant"
)

func identityOf(t *testing.T, raw string) tenant.Identity {
	t.Helper()
	key, err := tenant.ParseKey(raw)
	if err != nil {
		t.Fatalf("parse key %q: %v", raw, err)
	}
	return tenant.Locate(key)
}

func forward(t *testing.T, cli *client.Client, key, path string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := cli.Forward(ctx, key, http.MethodGet, path, nil, nil)
	if err != nil {
		t.Fatalf("forward %s: %v", key, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("forward %s: status %d body %s", key, resp.StatusCode, body)
	}
	return string(body)
}

func TestServerShutdownStopsRunningInstances(t *testing.T) {
	provider := computetest.NewProvider()
	ts, err := NewTestServer(context.Background(), WithTestProvider(provider))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	forward(t, ts.Client, "alpha", "/")
	forward(t, ts.Client, "beta", "/")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	for _, key := range []string{"alpha", "beta"} {
		rt := provider.Lookup(identityOf(t, key))
		if rt == nil {
			t.Fatalf("no runtime for %s", key)
		}
		if rt.Stops() == 0 {
			t.Fatalf("expected %s to be stopped on shutdown", key)
		}
	}
}

func TestServerShutdownLeavesInstancesWhenConfigured(t *testing.T) {
	provider := computetest.NewProvider()
	ts, err := NewTestServer(context.Background(),
		WithTestProvider(provider),
		WithTestConfig(func(cfg *Config) { cfg.StopOnShutdown = false }),
	)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	forward(t, ts.Client, "alpha", "/")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if rt := provider.Lookup(identityOf(t, "alpha")); rt == nil || rt.Stops() != 0 {
		t.Fatalf("expected instance left running, got %+v", rt)
	}
}

func TestServerInjectedBackendRecordsInstances(t *testing.T) {
	backend := memory.New()
	ts := startTestServerFast(t, WithTestServerOptions(WithBackend(backend)))
	forward(t, ts.Client, "orders", "/")

	id := identityOf(t, "orders").String()
	waitFor(t, 2*time.Second, 10*time.Millisecond, func() bool {
		ids, err := backend.ListRecords(context.Background())
		return err == nil && len(ids) == 1 && ids[0] == id
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := ts.Client.Status(ctx, "orders")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.StartCount != 1 || status.Identity != id {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestServerLivenessSweepMarksCrashedInstance(t *testing.T) {
	provider := computetest.NewProvider()
	ts := startTestServerFast(t,
		WithTestProvider(provider),
		WithTestConfig(func(cfg *Config) { cfg.LivenessInterval = 20 * time.Millisecond }),
	)
	forward(t, ts.Client, "crashy", "/")
	id := identityOf(t, "crashy")
	provider.Lookup(id).Crash()

	waitFor(t, 3*time.Second, 10*time.Millisecond, func() bool {
		ctrl, ok := ts.Server.Registry().Lookup(id)
		return ok && ctrl.State() == lifecycle.StateError
	})
	// The next request restarts the instance.
	forward(t, ts.Client, "crashy", "/again")
	if got := provider.Lookup(id).Starts(); got != 2 {
		t.Fatalf("expected restart after crash, starts=%d", got)
	}
}

func TestServerRestartThroughClient(t *testing.T) {
	provider := computetest.NewProvider()
	ts := startTestServerFast(t, WithTestProvider(provider))
	forward(t, ts.Client, "acme", "/")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := ts.Client.Restart(ctx, "acme")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !resp.Success {
		t.Fatalf("unexpected restart response %+v", resp)
	}
	status, err := ts.Client.Status(ctx, "acme")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.StartCount != 2 || status.LifecycleState != "running" {
		t.Fatalf("unexpected status after restart %+v", status)
	}
}

func TestServerAuthorizerOption(t *testing.T) {
	auth := httpapi.AuthorizerFunc(func(r *http.Request, key tenant.Key) error {
		if r.Header.Get("Authorization") != "Bearer ok" {
			return errors.New("missing token")
		}
		return nil
	})
	ts := startTestServerFast(t, WithTestServerOptions(WithAuthorizer(auth)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := ts.Client.Status(ctx, "acme"); !client.IsCode(err, core.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	resp, err := ts.Client.Forward(ctx, "acme", http.MethodGet, "/", nil, http.Header{"Authorization": {"Bearer ok"}})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected authorized forward, got %d", resp.StatusCode)
	}
}

func TestServerH2C(t *testing.T) {
	ts := startTestServerFast(t, WithTestConfig(func(cfg *Config) { cfg.H2C = true }))
	transport := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
	defer transport.CloseIdleConnections()
	cli, err := client.New(ts.URL(), client.WithHTTPClient(&http.Client{Transport: transport}))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := cli.Forward(ctx, "h2", http.MethodGet, "/", nil, nil)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	resp.Body.Close()
	if resp.ProtoMajor != 2 {
		t.Fatalf("expected HTTP/2, got %s", resp.Proto)
	}
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	if _, err := NewServer(Config{PathPrefix: "nope"}, WithProvider(computetest.NewProvider())); err == nil {
		t.Fatal("expected invalid prefix error")
	}
	if _, err := NewServer(Config{Store: "ftp://x"}, WithProvider(computetest.NewProvider())); err == nil {
		t.Fatal("expected unsupported store error")
	}
	if _, err := NewServer(Config{}); err == nil {
		t.Fatal("expected missing compute binding error")
	}
}

func TestServerShutdownIsIdempotent(t *testing.T) {
	srv, err := NewServer(Config{Listen: "127.0.0.1:0"}, WithProvider(computetest.NewProvider()))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}
