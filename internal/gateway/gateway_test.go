package gateway_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/tenantd/internal/compute/computetest"
	"pkt.systems/tenantd/internal/core"
	"pkt.systems/tenantd/internal/correlation"
	"pkt.systems/tenantd/internal/gateway"
	"pkt.systems/tenantd/internal/lifecycle"
	"pkt.systems/tenantd/internal/storage"
	"pkt.systems/tenantd/internal/storage/memory"
	"pkt.systems/tenantd/internal/tenant"
)

type fixture struct {
	gw       *gateway.Gateway
	reg      *lifecycle.Registry
	provider *computetest.Provider
	records  *storage.Records
}

func newFixture(t *testing.T, cfg gateway.Config, configure func(*computetest.Runtime)) *fixture {
	t.Helper()
	f := &fixture{provider: computetest.NewProvider(), records: storage.NewRecords(memory.New())}
	f.provider.Configure = configure
	f.reg = lifecycle.NewRegistry(f.provider, f.records, lifecycle.Config{})
	f.gw = gateway.New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.reg.Close(ctx)
	})
	return f
}

func (f *fixture) controller(t *testing.T, raw string) (*lifecycle.Controller, *computetest.Runtime) {
	t.Helper()
	key, err := tenant.ParseKey(raw)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	c, err := f.reg.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get controller: %v", err)
	}
	return c, f.provider.Lookup(c.Identity())
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}

func TestForwardInjectsHeadersAndRecords(t *testing.T) {
	t.Parallel()
	f := newFixture(t, gateway.Config{}, nil)
	c, _ := f.controller(t, "my-app")

	req := httptest.NewRequest(http.MethodGet, "/widgets?x=1", nil)
	req.RemoteAddr = "203.0.113.5:4711"
	req.Host = "tenants.example.com"
	req.Header.Set("CF-IPCountry", "SE")
	req.Header.Set("Connection", "X-Drop-Me")
	req.Header.Set("X-Drop-Me", "1")
	req.Header.Set("X-Custom", "kept")
	ctx := correlation.With(context.Background(), "cid-42")

	resp, err := f.gw.Forward(ctx, c, req)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	body := readBody(t, resp)
	if body != "GET /widgets?x=1" {
		t.Fatalf("unexpected body %q", body)
	}
	want := map[string]string{
		"X-Echo-X-Tenant-Key":       "my-app",
		"X-Echo-X-Tenant-Instance":  c.Identity().String(),
		"X-Echo-X-Forwarded-For":    "203.0.113.5",
		"X-Echo-X-Forwarded-Host":   "tenants.example.com",
		"X-Echo-X-Forwarded-Proto":  "http",
		"X-Echo-X-Tenant-Geo":       "SE",
		"X-Echo-X-Correlation-Id":   "cid-42",
		"X-Echo-X-Custom":           "kept",
		gateway.HeaderServedBy:      "my-app",
	}
	for name, value := range want {
		if got := resp.Header.Get(name); got != value {
			t.Fatalf("header %s = %q, want %q", name, got, value)
		}
	}
	if resp.Header.Get("X-Echo-X-Drop-Me") != "" || resp.Header.Get("X-Echo-Connection") != "" {
		t.Fatal("hop-by-hop headers must not be forwarded")
	}

	if err := f.reg.Recorder().Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	res, _ := f.records.Load(context.Background(), c.Identity().String())
	if res.Record.TotalRequests != 1 || res.Record.LastKnownLocation != "SE" {
		t.Fatalf("unexpected record %+v", res.Record)
	}
}

func TestForwardLocationFallsBackToEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t, gateway.Config{}, func(rt *computetest.Runtime) { rt.SetEndpoint("10.9.8.7:8080") })
	c, _ := f.controller(t, "nogeo")
	resp, err := f.gw.Forward(context.Background(), c, httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	readBody(t, resp)
	f.reg.Recorder().Flush(context.Background())
	res, _ := f.records.Load(context.Background(), c.Identity().String())
	if res.Record.LastKnownLocation != "10.9.8.7" {
		t.Fatalf("expected endpoint host, got %q", res.Record.LastKnownLocation)
	}
}

func TestForwardRetriesOnceWithBody(t *testing.T) {
	t.Parallel()
	f := newFixture(t, gateway.Config{}, func(rt *computetest.Runtime) {
		rt.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, _ := io.ReadAll(r.Body)
			w.WriteHeader(http.StatusCreated)
			w.Write(data)
		})
	})
	c, rt := f.controller(t, "retry")
	rt.FailSends(errors.New("connection reset"))

	req := httptest.NewRequest(http.MethodPost, "/items", strings.NewReader(`{"n":1}`))
	resp, err := f.gw.Forward(context.Background(), c, req)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected tenant status to pass through, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); body != `{"n":1}` {
		t.Fatalf("body not replayed on retry: %q", body)
	}
	if rt.Sends() != 2 {
		t.Fatalf("expected two sends, got %d", rt.Sends())
	}
}

func TestForwardUnreachableAfterRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, gateway.Config{}, nil)
	c, rt := f.controller(t, "down")
	rt.FailSends(errors.New("refused"), errors.New("refused"))

	_, err := f.gw.Forward(context.Background(), c, httptest.NewRequest(http.MethodGet, "/", nil))
	failure, ok := core.AsFailure(err)
	if !ok || failure.Code != core.CodeInstanceUnreachable || failure.Status() != http.StatusBadGateway {
		t.Fatalf("expected InstanceUnreachable, got %v", err)
	}
	res, _ := f.records.Load(context.Background(), c.Identity().String())
	if res.Record.LastError == nil || !strings.Contains(res.Record.LastError.Message, "refused") {
		t.Fatalf("expected lastError, got %+v", res.Record.LastError)
	}
}

func TestForwardStartFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, gateway.Config{}, func(rt *computetest.Runtime) {
		rt.FailStarts(errors.New("no capacity"))
	})
	c, rt := f.controller(t, "cold")
	_, err := f.gw.Forward(context.Background(), c, httptest.NewRequest(http.MethodGet, "/", nil))
	failure, ok := core.AsFailure(err)
	if !ok || failure.Code != core.CodeInstanceStartFailed || failure.Status() != http.StatusInternalServerError {
		t.Fatalf("expected InstanceStartFailed, got %v", err)
	}
	if rt.Sends() != 0 {
		t.Fatal("nothing should be sent when the start fails")
	}
}

func TestForwardRestartFailureBeforeRetryIsStartFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, gateway.Config{}, nil)
	c, rt := f.controller(t, "crashy")
	var once sync.Once
	rt.BeforeSend = func() {
		once.Do(func() {
			// The instance dies under the first send and cannot come back.
			rt.Crash()
			rt.FailStarts(errors.New("no capacity"))
			c.ReportFailure(context.Background(), errors.New("exited"))
		})
	}

	_, err := f.gw.Forward(context.Background(), c, httptest.NewRequest(http.MethodGet, "/", nil))
	failure, ok := core.AsFailure(err)
	if !ok || failure.Code != core.CodeInstanceStartFailed || failure.Status() != http.StatusInternalServerError {
		t.Fatalf("expected InstanceStartFailed, got %v", err)
	}
	if rt.Starts() != 2 {
		t.Fatalf("expected a second start before the retry, got %d", rt.Starts())
	}
	if rt.Sends() != 1 {
		t.Fatalf("retry must not be sent after the restart failed, got %d sends", rt.Sends())
	}
	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.InFlight != 0 || st.ConsecutiveFailures != 0 {
		t.Fatalf("start failure counted as forward failure: inflight=%d failures=%d", st.InFlight, st.ConsecutiveFailures)
	}
	if st.State != lifecycle.StateError {
		t.Fatalf("expected error state, got %s", st.State)
	}
}

func TestForwardRejectsLargeBodyWithoutStarting(t *testing.T) {
	t.Parallel()
	f := newFixture(t, gateway.Config{MaxBodyBytes: 4}, nil)
	c, rt := f.controller(t, "big")
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("12345"))
	_, err := f.gw.Forward(context.Background(), c, req)
	if !core.HasCode(err, core.CodeRequestTooLarge) {
		t.Fatalf("expected RequestTooLarge, got %v", err)
	}
	if rt.Starts() != 0 {
		t.Fatal("oversized request must not wake the instance")
	}
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("1234"))
	resp, err := f.gw.Forward(context.Background(), c, req)
	if err != nil {
		t.Fatalf("body at the limit must pass: %v", err)
	}
	readBody(t, resp)
}

func TestForwardedForHonoursTrustedProxies(t *testing.T) {
	t.Parallel()
	trusted, err := gateway.ParseCIDRs([]string{"10.0.0.0/8", "192.0.2.1"})
	if err != nil {
		t.Fatalf("parse cidrs: %v", err)
	}
	f := newFixture(t, gateway.Config{TrustedProxies: trusted}, nil)
	c, _ := f.controller(t, "proxied")
	cases := []struct {
		remote string
		xff    string
		want   string
	}{
		{"10.1.2.3:9000", "198.51.100.7", "198.51.100.7, 10.1.2.3"},
		{"192.0.2.1:9000", "198.51.100.7", "198.51.100.7, 192.0.2.1"},
		{"203.0.113.9:9000", "198.51.100.7", "203.0.113.9"},
		{"10.1.2.3:9000", "", "10.1.2.3"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.remote
		if tc.xff != "" {
			req.Header.Set("X-Forwarded-For", tc.xff)
		}
		resp, err := f.gw.Forward(context.Background(), c, req)
		if err != nil {
			t.Fatalf("forward: %v", err)
		}
		readBody(t, resp)
		if got := resp.Header.Get("X-Echo-X-Forwarded-For"); got != tc.want {
			t.Fatalf("remote %s xff %q: got %q, want %q", tc.remote, tc.xff, got, tc.want)
		}
	}
}

func TestDisableOriginHeaders(t *testing.T) {
	t.Parallel()
	f := newFixture(t, gateway.Config{DisableOriginHeaders: true}, nil)
	c, _ := f.controller(t, "private")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("CF-IPCountry", "NO")
	resp, err := f.gw.Forward(context.Background(), c, req)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	readBody(t, resp)
	if resp.Header.Get("X-Echo-X-Forwarded-For") != "" || resp.Header.Get("X-Echo-X-Tenant-Geo") != "" {
		t.Fatal("origin headers must be suppressed")
	}
	if resp.Header.Get("X-Echo-X-Tenant-Key") != "private" {
		t.Fatal("tenant headers are always injected")
	}
}

func TestManagementOperations(t *testing.T) {
	t.Parallel()
	f := newFixture(t, gateway.Config{}, nil)
	c, rt := f.controller(t, "managed")
	ctx := context.Background()

	st, err := f.gw.Status(ctx, c)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.LifecycleState != "cold" || st.StartCount != 0 || st.Metadata == nil {
		t.Fatalf("unexpected cold status %+v", st)
	}
	restart, err := f.gw.Restart(ctx, c)
	if err != nil || !restart.Success {
		t.Fatalf("restart: %+v %v", restart, err)
	}
	upd, err := f.gw.SetMetadata(ctx, c, map[string]any{"tier": "gold"})
	if err != nil || !upd.Success {
		t.Fatalf("set metadata: %+v %v", upd, err)
	}
	md, err := f.gw.Metadata(ctx, c)
	if err != nil || md["tier"] != "gold" {
		t.Fatalf("metadata: %v %v", md, err)
	}
	st, err = f.gw.Status(ctx, c)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.LifecycleState != "running" || st.StartCount != 1 || st.Metadata["tier"] != "gold" || st.UpdatedAt == nil {
		t.Fatalf("unexpected status %+v", st)
	}
	if rt.Starts() != 1 {
		t.Fatalf("expected one start, got %d", rt.Starts())
	}
}
