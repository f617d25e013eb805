// Package api holds the JSON wire types shared by the tenantd router and the
// client SDK.
package api

import "time"

// ErrorResponse is the canonical error envelope.
type ErrorResponse struct {
	// ErrorCode is the stable tenantd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// TenantKey echoes the rejected key for InvalidTenantKey.
	TenantKey string `json:"tenantKey,omitempty"`
	// Accepted enumerates the accepted ways to supply a tenant key.
	Accepted []string `json:"accepted,omitempty"`
	// CorrelationID identifies the request in server logs.
	CorrelationID string `json:"correlationId,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retryAfterSeconds,omitempty"`
}

// ErrorInfo is the most recent failure observed for an instance.
type ErrorInfo struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse is returned by GET /_status. Record statistics are flat on
// the top level.
type StatusResponse struct {
	// Identity is the instance identity derived from the tenant key.
	Identity  string `json:"identity"`
	TenantKey string `json:"tenantKey"`
	// LifecycleState is one of cold, starting, running, idle, sleeping,
	// stopping or error.
	LifecycleState      string    `json:"lifecycleState"`
	StateSince          time.Time `json:"stateSince"`
	InFlight            int       `json:"inFlight"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	// AttemptID identifies the most recent start attempt in server logs.
	AttemptID string `json:"attemptId,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`

	StartCount        uint64     `json:"startCount"`
	LastStarted       *time.Time `json:"lastStarted,omitempty"`
	LastStopped       *time.Time `json:"lastStopped,omitempty"`
	LastError         *ErrorInfo `json:"lastError,omitempty"`
	TotalRequests     uint64     `json:"totalRequests"`
	LastKnownLocation string     `json:"lastKnownLocation,omitempty"`
	UpdatedAt         *time.Time `json:"updatedAt,omitempty"`
	Version           int64      `json:"version"`

	Metadata map[string]any `json:"metadata"`
	Runtime  map[string]any `json:"runtime,omitempty"`
}

// RestartResponse is returned by POST /_restart.
type RestartResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// MetadataUpdateResponse is returned by POST/PUT /_metadata.
type MetadataUpdateResponse struct {
	Success  bool           `json:"success"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ServiceInfo is returned by the platform root route.
type ServiceInfo struct {
	Service    string   `json:"service"`
	Version    string   `json:"version"`
	Usage      []string `json:"usage"`
	Management []string `json:"management"`
}

// HealthResponse is returned by /healthz and /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Instances int    `json:"instances"`
}
