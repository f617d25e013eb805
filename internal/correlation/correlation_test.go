package correlation

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	if got, ok := Normalize("  xyz  "); !ok || got != "xyz" {
		t.Fatalf("expected trimmed normalize to xyz, got %q ok=%v", got, ok)
	}
	for _, bad := range []string{"", strings.Repeat("a", MaxIDLength+1), "bad\x01suffix"} {
		if _, ok := Normalize(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestWithAndID(t *testing.T) {
	ctx := context.Background()
	if ID(ctx) != "" {
		t.Fatal("expected empty context to have no correlation id")
	}
	if ID(With(ctx, "")) != "" {
		t.Fatal("expected invalid id to be ignored")
	}
	if got := ID(With(ctx, "foo")); got != "foo" {
		t.Fatalf("expected foo, got %q", got)
	}
}

func TestFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(Header, "abc-123")
	if got := FromRequest(req); got != "abc-123" {
		t.Fatalf("expected caller id, got %q", got)
	}
	req.Header.Set(Header, "bad\x02")
	generated := FromRequest(req)
	if generated == "" || generated == "bad\x02" {
		t.Fatalf("expected generated id, got %q", generated)
	}
	if _, ok := Normalize(generated); !ok {
		t.Fatalf("generated id should be valid, got %q", generated)
	}
}
