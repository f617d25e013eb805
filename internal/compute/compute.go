// Package compute defines the capability interface the lifecycle controller
// drives. A binding (local process, remote control plane, test fake)
// implements it once; the controller is otherwise platform agnostic.
package compute

import (
	"context"
	"errors"
	"net/http"

	"pkt.systems/tenantd/internal/tenant"
)

// ErrNotRunning is returned by HealthCheck and Send when the instance is not
// running.
var ErrNotRunning = errors.New("compute: instance not running")

// Runtime controls one isolated compute instance.
//
// Start must return once the instance has been launched; readiness is
// established separately through HealthCheck. Stop must be safe to call on
// an instance that is not running. Send forwards a fully prepared request
// to the instance and returns its response unmodified.
type Runtime interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning(ctx context.Context) bool
	HealthCheck(ctx context.Context) error
	Send(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Provider hands out the Runtime for an identity. Runtime is called once per
// identity by the controller registry.
type Provider interface {
	Runtime(id tenant.Identity, key tenant.Key) (Runtime, error)
	Close() error
}

// StatsReporter is implemented by runtimes that can describe resource usage.
type StatsReporter interface {
	Stats(ctx context.Context) (map[string]any, error)
}

// Endpointer is implemented by runtimes with a network endpoint. The value
// is a host or host:port.
type Endpointer interface {
	Endpoint() string
}

// Stats returns rt's stats when it implements StatsReporter.
func Stats(ctx context.Context, rt Runtime) map[string]any {
	reporter, ok := rt.(StatsReporter)
	if !ok {
		return nil
	}
	stats, err := reporter.Stats(ctx)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	return stats
}

// Endpoint returns rt's endpoint when it implements Endpointer.
func Endpoint(rt Runtime) string {
	if e, ok := rt.(Endpointer); ok {
		return e.Endpoint()
	}
	return ""
}
