package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestConfigGenStdout(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var parsed map[string]any
	if err := yaml.Unmarshal([]byte(stdout), &parsed); err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	for _, key := range []string{"listen", "store", "compute", "idle-timeout", "max-body", "stop-on-shutdown"} {
		if _, ok := parsed[key]; !ok {
			t.Fatalf("expected key %q in generated config:\n%s", key, stdout)
		}
	}
	if parsed["idle-timeout"] != "10m0s" {
		t.Fatalf("unexpected idle-timeout %v", parsed["idle-timeout"])
	}
}

func TestConfigGenWritesFileOnce(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "config.yaml")
	stdout, _, err := executeRootCommand(t, "config", "gen", "--out", out)
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if !strings.Contains(stdout, out) {
		t.Fatalf("expected output path in %q", stdout)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("unexpected mode %v", info.Mode().Perm())
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil {
		t.Fatal("expected refusal to overwrite without --force")
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("forced overwrite: %v", err)
	}
}

func TestConfigGenStdoutAndOutExclusive(t *testing.T) {
	if _, _, err := executeRootCommand(t, "config", "gen", "--stdout", "--out", "/tmp/x.yaml"); err == nil {
		t.Fatal("expected mutually exclusive error")
	}
}
