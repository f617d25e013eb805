// Package version reports the tenantd build version.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/tenantd"

// buildVersion is set via -ldflags "-X pkt.systems/tenantd/internal/version.buildVersion=...".
var buildVersion = ""

// Current returns the ldflags version, the module version, or a pseudo
// version derived from VCS stamps, in that order.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
		if v := vcsPseudoVersion(info.Settings); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

// Module returns the main module path.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

func vcsPseudoVersion(settings []debug.BuildSetting) string {
	values := make(map[string]string, len(settings))
	for _, s := range settings {
		values[s.Key] = s.Value
	}
	revision, stamp := values["vcs.revision"], values["vcs.time"]
	if revision == "" || stamp == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	out := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + revision
	if values["vcs.modified"] == "true" {
		out += "+dirty"
	}
	return out
}
