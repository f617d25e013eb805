package compute_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"pkt.systems/tenantd/internal/compute"
	"pkt.systems/tenantd/internal/compute/computetest"
	"pkt.systems/tenantd/internal/tenant"
)

func TestSendToRewritesTarget(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Location", "/elsewhere")
		w.WriteHeader(http.StatusFound)
		io.WriteString(w, r.Method+" "+r.URL.RequestURI()+" "+r.Header.Get("X-Test")+" "+string(body))
	}))
	defer srv.Close()

	req := httptest.NewRequest(http.MethodPost, "http://router.example/items?q=1", strings.NewReader("payload"))
	req.Header.Set("X-Test", "yes")
	resp, err := compute.SendTo(context.Background(), compute.NewHTTPClient(), srv.URL+"/base/", req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect to pass through, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if got := string(body); got != "POST /base/items?q=1 yes payload" {
		t.Fatalf("unexpected echo %q", got)
	}
}

func TestSendToKeepsEscapedPath(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.URL.EscapedPath())
	}))
	defer srv.Close()

	cases := []struct {
		name   string
		target string
		base   string
		want   string
	}{
		{name: "encoded slash", target: "/files/a%2Fb", base: srv.URL, want: "/files/a%2Fb"},
		{name: "encoded slash under prefix", target: "/files/a%2Fb", base: srv.URL + "/base/", want: "/base/files/a%2Fb"},
		{name: "encoded space", target: "/docs/my%20file", base: srv.URL, want: "/docs/my%20file"},
		{name: "plain", target: "/plain/path", base: srv.URL + "/base", want: "/base/plain/path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://router.example"+tc.target, nil)
			resp, err := compute.SendTo(context.Background(), compute.NewHTTPClient(), tc.base, req)
			if err != nil {
				t.Fatalf("send: %v", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if got := string(body); got != tc.want {
				t.Fatalf("instance saw %q, want %q", got, tc.want)
			}
		})
	}
}

func TestProbe(t *testing.T) {
	t.Parallel()
	var status atomic.Int32
	status.Store(http.StatusNoContent)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()
	client := compute.NewHTTPClient()
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err := compute.Probe(client, req); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}
	status.Store(http.StatusBadGateway)
	req, _ = http.NewRequest(http.MethodGet, srv.URL, nil)
	err := compute.Probe(client, req)
	if pe, ok := err.(*compute.ProbeError); !ok || pe.Status != http.StatusBadGateway {
		t.Fatalf("expected probe error, got %v", err)
	}
}

func TestOptionalCapabilities(t *testing.T) {
	t.Parallel()
	key, _ := tenant.ParseKey("acme")
	rt := computetest.NewRuntime(tenant.Locate(key), key)
	ctx := context.Background()
	if compute.Endpoint(rt) != "" {
		t.Fatal("expected no endpoint while stopped")
	}
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if compute.Endpoint(rt) == "" {
		t.Fatal("expected endpoint while running")
	}
	if stats := compute.Stats(ctx, rt); stats["running"] != true {
		t.Fatalf("unexpected stats %v", stats)
	}
}
