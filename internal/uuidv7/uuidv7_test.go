package uuidv7_test

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"pkt.systems/tenantd/internal/uuidv7"
)

func TestNewStringIsVersion7(t *testing.T) {
	t.Parallel()

	parsed, err := uuid.Parse(uuidv7.NewString())
	if err != nil {
		t.Fatalf("uuid.Parse: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
}

func TestNewCompactHasNoDashes(t *testing.T) {
	t.Parallel()

	a, b := uuidv7.NewCompact(), uuidv7.NewCompact()
	if strings.Contains(a, "-") || len(a) != 32 {
		t.Fatalf("unexpected compact id %q", a)
	}
	if a == b {
		t.Fatal("expected unique ids")
	}
}
