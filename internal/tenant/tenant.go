// Package tenant validates tenant keys and maps them to instance identities.
package tenant

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
)

// identityPrefix separates instance identities from any other SHA-256 use
// of the same key bytes. Changing it re-addresses every tenant.
const identityPrefix = "tenantd/instance/v1\x00"

// MaxKeyLength bounds tenant keys used as path segments, record fields
// and log fields.
const MaxKeyLength = 128

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var (
	// ErrEmptyKey reports a missing tenant key.
	ErrEmptyKey = errors.New("tenant: empty key")
	// ErrInvalidKey reports a key that does not match ^[A-Za-z0-9_-]+$.
	ErrInvalidKey = errors.New("tenant: invalid key")
)

// Key is a validated tenant key. Construct one with ParseKey.
type Key string

// String returns the key as supplied by the caller.
func (k Key) String() string { return string(k) }

// Identity addresses exactly one logical compute instance.
type Identity string

// String returns the hex encoded identity.
func (id Identity) String() string { return string(id) }

// Short returns the first 12 characters of the identity for log output.
func (id Identity) Short() string {
	if len(id) <= 12 {
		return string(id)
	}
	return string(id[:12])
}

// ParseKey validates raw and returns it as a Key.
func ParseKey(raw string) (Key, error) {
	if raw == "" {
		return "", ErrEmptyKey
	}
	if len(raw) > MaxKeyLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidKey, MaxKeyLength)
	}
	if !keyPattern.MatchString(raw) {
		return "", fmt.Errorf("%w: must match %s", ErrInvalidKey, keyPattern.String())
	}
	return Key(raw), nil
}

// Locate returns the instance identity for key. It is pure and total: the
// same key always yields the same identity, across processes and hosts.
func Locate(key Key) Identity {
	h := sha256.New()
	h.Write([]byte(identityPrefix))
	h.Write([]byte(key))
	return Identity(hex.EncodeToString(h.Sum(nil)))
}

// ParseIdentity accepts a hex identity as produced by Locate.
func ParseIdentity(raw string) (Identity, error) {
	if len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("tenant: identity must be %d hex characters", sha256.Size*2)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("tenant: identity: %w", err)
	}
	for _, r := range raw {
		if r >= 'A' && r <= 'F' {
			return "", errors.New("tenant: identity must be lowercase hex")
		}
	}
	return Identity(raw), nil
}
