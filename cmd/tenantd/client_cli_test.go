package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/tenantd"
	"pkt.systems/tenantd/api"
)

func runInstanceCommand(t *testing.T, ts *tenantd.TestServer, args ...string) (string, error) {
	t.Helper()
	full := append([]string{"instance", "--server", ts.URL(), "--timeout", "5s"}, args...)
	stdout, _, err := executeRootCommand(t, full...)
	return stdout, err
}

func TestInstanceStatusAndRestart(t *testing.T) {
	ts := tenantd.StartTestServer(t)

	out, err := runInstanceCommand(t, ts, "status", "acme")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status api.StatusResponse
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode status: %v\n%s", err, out)
	}
	if status.TenantKey != "acme" || status.Identity == "" {
		t.Fatalf("unexpected status %+v", status)
	}

	out, err = runInstanceCommand(t, ts, "restart", "acme")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	var restart api.RestartResponse
	if err := json.Unmarshal([]byte(out), &restart); err != nil {
		t.Fatalf("decode restart: %v\n%s", err, out)
	}
	if !restart.Success {
		t.Fatalf("restart not successful: %+v", restart)
	}

	out, err = runInstanceCommand(t, ts, "status", "acme")
	if err != nil {
		t.Fatalf("status after restart: %v", err)
	}
	status = api.StatusResponse{}
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.LifecycleState != "running" {
		t.Fatalf("expected running after restart, got %q", status.LifecycleState)
	}
}

func TestInstanceMetadataSetAndGet(t *testing.T) {
	ts := tenantd.StartTestServer(t)

	out, err := runInstanceCommand(t, ts, "metadata", "set", "acme", `{"plan":"pro","seats":3}`)
	if err != nil {
		t.Fatalf("metadata set: %v", err)
	}
	var update api.MetadataUpdateResponse
	if err := json.Unmarshal([]byte(out), &update); err != nil {
		t.Fatalf("decode update: %v\n%s", err, out)
	}
	if !update.Success || update.Metadata["plan"] != "pro" {
		t.Fatalf("unexpected update response %+v", update)
	}

	patchPath := filepath.Join(t.TempDir(), "patch.json")
	if err := os.WriteFile(patchPath, []byte(`{"seats":4,"owner":"ops"}`), 0o600); err != nil {
		t.Fatalf("write patch: %v", err)
	}
	if _, err := runInstanceCommand(t, ts, "meta", "set", "acme", "@"+patchPath); err != nil {
		t.Fatalf("metadata set from file: %v", err)
	}

	out, err = runInstanceCommand(t, ts, "metadata", "get", "acme")
	if err != nil {
		t.Fatalf("metadata get: %v", err)
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(out), &meta); err != nil {
		t.Fatalf("decode metadata: %v\n%s", err, out)
	}
	if meta["plan"] != "pro" || meta["owner"] != "ops" || meta["seats"] != float64(4) {
		t.Fatalf("unexpected merged metadata %v", meta)
	}
}

func TestInstanceMetadataSetRejectsInvalidJSON(t *testing.T) {
	ts := tenantd.StartTestServer(t)
	_, err := runInstanceCommand(t, ts, "metadata", "set", "acme", `["not","an","object"]`)
	if err == nil {
		t.Fatal("expected error for non-object patch")
	}
	if !strings.Contains(err.Error(), "metadata patch") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestInstanceStatusInvalidKey(t *testing.T) {
	ts := tenantd.StartTestServer(t)
	if _, err := runInstanceCommand(t, ts, "status", "bad.key"); err == nil {
		t.Fatal("expected error for invalid tenant key")
	}
}
