package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"pkt.systems/tenantd/internal/compute"
	"pkt.systems/tenantd/internal/tenant"
)

type controlPlane struct {
	mu       sync.Mutex
	running  map[string]bool
	endpoint string
	tokens   []string
}

func (c *controlPlane) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = append(c.tokens, r.Header.Get("Authorization"))
	rest := strings.TrimPrefix(r.URL.Path, "/cp/instances/")
	id, action, _ := strings.Cut(rest, "/")
	switch {
	case r.Method == http.MethodPost && action == "start":
		c.running[id] = true
	case r.Method == http.MethodPost && action == "stop":
		c.running[id] = false
	case r.Method == http.MethodGet && action == "":
	default:
		http.Error(w, "bad route", http.StatusBadRequest)
		return
	}
	st := Status{Running: c.running[id]}
	if st.Running {
		st.Endpoint = c.endpoint
	}
	json.NewEncoder(w).Encode(st)
}

func TestRemoteLifecycle(t *testing.T) {
	t.Parallel()
	instance := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			return
		}
		io.WriteString(w, "hello "+r.URL.Path)
	}))
	defer instance.Close()
	cp := &controlPlane{running: map[string]bool{}, endpoint: strings.TrimPrefix(instance.URL, "http://")}
	server := httptest.NewServer(cp)
	defer server.Close()

	p, err := New(Config{BaseURL: server.URL + "/cp/", Token: "s3cret", HealthPath: "/healthz"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer p.Close()
	key, _ := tenant.ParseKey("acme")
	rt, _ := p.Runtime(tenant.Locate(key), key)
	ctx := context.Background()

	if rt.IsRunning(ctx) {
		t.Fatal("expected not running")
	}
	if err := rt.HealthCheck(ctx); err != compute.ErrNotRunning {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := rt.HealthCheck(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, "http://router/widgets", nil)
	resp, err := rt.Send(ctx, req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "hello /widgets" {
		t.Fatalf("unexpected body %q", body)
	}
	if compute.Endpoint(rt) != cp.endpoint {
		t.Fatalf("endpoint = %q", compute.Endpoint(rt))
	}
	if err := rt.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if rt.IsRunning(ctx) {
		t.Fatal("expected stopped")
	}
	if _, err := rt.Send(ctx, req); err != compute.ErrNotRunning {
		t.Fatalf("expected ErrNotRunning after stop, got %v", err)
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for _, tok := range cp.tokens {
		if tok != "Bearer s3cret" {
			t.Fatalf("unexpected authorization %q", tok)
		}
	}
}

func TestRemoteStartFailure(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusServiceUnavailable)
	}))
	defer server.Close()
	p, err := New(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	key, _ := tenant.ParseKey("acme")
	rt, _ := p.Runtime(tenant.Locate(key), key)
	err = rt.Start(context.Background())
	if !IsStatus(err, http.StatusServiceUnavailable) {
		t.Fatalf("expected 503 status error, got %v", err)
	}
	if !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected body in error, got %v", err)
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{BaseURL: "ftp://nope"}); err == nil {
		t.Fatal("expected error")
	}
}
