package client

import (
	"context"
	"net/http"

	"pkt.systems/tenantd/internal/correlation"
)

type correlationContextKey struct{}

// NormalizeCorrelationID trims and validates an identifier.
func NormalizeCorrelationID(id string) (string, bool) {
	return correlation.Normalize(id)
}

// WithCorrelationID annotates ctx with a correlation identifier sent with
// subsequent requests. Invalid identifiers leave ctx unchanged.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	normalized, ok := NormalizeCorrelationID(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, correlationContextKey{}, normalized)
}

// CorrelationIDFromContext extracts the correlation identifier carried by ctx.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(correlationContextKey{}).(string); ok {
		return v
	}
	return ""
}

// CorrelationIDFromResponse reads the X-Correlation-Id header from resp.
func CorrelationIDFromResponse(resp *http.Response) string {
	if resp == nil {
		return ""
	}
	return resp.Header.Get(headerCorrelationID)
}
