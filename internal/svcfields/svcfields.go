// Package svcfields holds the structured logging conventions shared by every
// tenantd subsystem.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// Field keys used across packages so log queries stay stable.
const (
	TenantKey  = "tenant_key"
	InstanceID = "instance"
	AttemptID  = "attempt"
	State      = "state"
)

// Subsystem builds a dot-delimited subsystem path from the supplied parts while
// skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = Ensure(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// Ensure returns l when non-nil, otherwise a disabled logger.
func Ensure(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return pslog.NoopLogger()
}
