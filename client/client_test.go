package client_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/tenantd/client"
	"pkt.systems/tenantd/internal/compute/computetest"
	"pkt.systems/tenantd/internal/core"
	"pkt.systems/tenantd/internal/gateway"
	"pkt.systems/tenantd/internal/httpapi"
	"pkt.systems/tenantd/internal/lifecycle"
	"pkt.systems/tenantd/internal/storage"
	"pkt.systems/tenantd/internal/storage/memory"
)

func newServer(t *testing.T) (*client.Client, *computetest.Provider) {
	t.Helper()
	provider := computetest.NewProvider()
	reg := lifecycle.NewRegistry(provider, storage.NewRecords(memory.New()), lifecycle.Config{})
	handler := httpapi.New(httpapi.Config{Registry: reg, Gateway: gateway.New(gateway.Config{}), Version: "test"})
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reg.Close(ctx)
	})
	cli, err := client.New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return cli, provider
}

func TestClientManagementFlow(t *testing.T) {
	t.Parallel()
	cli, _ := newServer(t)
	ctx := context.Background()

	resp, err := cli.Forward(ctx, "my-app", http.MethodGet, "/hello?x=1", nil, nil)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "GET /hello?x=1" {
		t.Fatalf("forward body %q", body)
	}

	st, err := cli.Status(ctx, "my-app")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.StartCount != 1 || st.LifecycleState != "running" {
		t.Fatalf("status %+v", st)
	}

	restart, err := cli.Restart(ctx, "my-app")
	if err != nil || !restart.Success {
		t.Fatalf("restart: %+v %v", restart, err)
	}

	update, err := cli.SetMetadata(ctx, "my-app", map[string]any{"tier": "gold"})
	if err != nil || update.Metadata["tier"] != "gold" {
		t.Fatalf("set metadata: %+v %v", update, err)
	}
	md, err := cli.Metadata(ctx, "my-app")
	if err != nil || md["tier"] != "gold" {
		t.Fatalf("metadata: %v %v", md, err)
	}

	health, err := cli.Health(ctx)
	if err != nil || health.Status != "ok" || health.Instances != 1 {
		t.Fatalf("health: %+v %v", health, err)
	}
	info, err := cli.Info(ctx)
	if err != nil || info.Service != "tenantd" {
		t.Fatalf("info: %+v %v", info, err)
	}
}

func TestClientDecodesErrors(t *testing.T) {
	t.Parallel()
	cli, _ := newServer(t)

	_, err := cli.Status(context.Background(), "bad key!")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || !client.IsCode(err, core.CodeInvalidTenantKey) {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestClientRetryAfter(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":"InstanceUnreachable","detail":"busy"}`)
	}))
	t.Cleanup(srv.Close)
	cli, err := client.New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = cli.Health(context.Background())
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.RetryAfter != 3*time.Second {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestClientRetriesTransportFailures(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Errorf("hijack unsupported")
				return
			}
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"ok","instances":0}`)
	}))
	t.Cleanup(srv.Close)
	cli, err := client.New(srv.URL, client.WithFailureRetries(1))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := cli.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestNewRejectsBadURLs(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "ftp://host", "http://", "unix://"} {
		if _, err := client.New(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestCorrelationFromContext(t *testing.T) {
	t.Parallel()
	var seen atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("X-Correlation-Id"))
		_, _ = io.WriteString(w, `{"status":"ok"}`)
	}))
	t.Cleanup(srv.Close)
	cli, _ := client.New(srv.URL)
	ctx := client.WithCorrelationID(context.Background(), "cid-7")
	if _, err := cli.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
	if seen.Load() != "cid-7" {
		t.Fatalf("correlation = %v", seen.Load())
	}
}
