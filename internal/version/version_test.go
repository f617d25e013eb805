package version

import (
	"runtime/debug"
	"testing"
)

func TestVCSPseudoVersion(t *testing.T) {
	settings := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
		{Key: "vcs.modified", Value: "true"},
	}
	got := vcsPseudoVersion(settings)
	want := "v0.0.0-20260102030405-0123456789ab+dirty"
	if got != want {
		t.Fatalf("pseudo version = %q, want %q", got, want)
	}
	if vcsPseudoVersion(nil) != "" {
		t.Fatal("expected empty pseudo version without vcs settings")
	}
}

func TestCurrentPrefersBuildVersion(t *testing.T) {
	orig := buildVersion
	t.Cleanup(func() { buildVersion = orig })
	buildVersion = "v1.2.3"
	if got := Current(); got != "v1.2.3" {
		t.Fatalf("Current() = %q", got)
	}
}
