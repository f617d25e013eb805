package main

import (
	"strings"
	"testing"

	"pkt.systems/tenantd/internal/tenant"
)

func TestLocateCommand(t *testing.T) {
	key, err := tenant.ParseKey("acme-01")
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	want := tenant.Locate(key)

	stdout, _, err := executeRootCommand(t, "locate", "acme-01")
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if strings.TrimSpace(stdout) != want.String() {
		t.Fatalf("unexpected identity %q want %q", stdout, want.String())
	}

	stdout, _, err = executeRootCommand(t, "locate", "--short", "acme-01")
	if err != nil {
		t.Fatalf("locate --short: %v", err)
	}
	if strings.TrimSpace(stdout) != want.Short() {
		t.Fatalf("unexpected short identity %q want %q", stdout, want.Short())
	}
}

func TestLocateCommandRejectsInvalidKey(t *testing.T) {
	if _, _, err := executeRootCommand(t, "locate", "not/valid"); err == nil {
		t.Fatal("expected invalid key error")
	}
}
