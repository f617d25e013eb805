// Package uuidv7 generates time-ordered identifiers for request IDs,
// correlation IDs and storage ETags.
package uuidv7

import (
	"strings"

	"github.com/google/uuid"
)

// NewString returns a string representation of a UUIDv7 or panics if the
// random source fails.
func NewString() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewCompact returns a UUIDv7 without dashes, suitable for ETags and file
// names.
func NewCompact() string {
	return strings.ReplaceAll(NewString(), "-", "")
}
