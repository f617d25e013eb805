// Package correlation carries a request correlation identifier from the
// router, through the controller, to the tenant instance and back.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"pkt.systems/tenantd/internal/uuidv7"
)

// Header is the HTTP header used to accept and propagate correlation IDs.
const Header = "X-Correlation-Id"

// MaxIDLength defines the maximum number of characters accepted for correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// With returns a child context carrying id. Invalid identifiers leave ctx
// unchanged.
func With(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// FromRequest returns the caller-supplied correlation ID when it is valid,
// otherwise a freshly generated one.
func FromRequest(r *http.Request) string {
	if r != nil {
		if id, ok := Normalize(r.Header.Get(Header)); ok {
			return id
		}
	}
	return Generate()
}

// Normalize validates and canonicalizes an external correlation identifier.
// It returns the normalized ID and true if the input is acceptable.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new random correlation identifier.
func Generate() string {
	return uuidv7.NewString()
}
