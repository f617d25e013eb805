package tenantd

import (
	"testing"
	"time"
)

func startTestServerFast(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	base := []TestServerOption{
		WithTestConfig(func(cfg *Config) {
			if cfg.StartTimeout <= 0 {
				cfg.StartTimeout = 2 * time.Second
			}
			if cfg.HealthInterval <= 0 {
				cfg.HealthInterval = 10 * time.Millisecond
			}
			if cfg.HealthTimeout <= 0 {
				cfg.HealthTimeout = 500 * time.Millisecond
			}
			if cfg.ShutdownTimeout <= 0 {
				cfg.ShutdownTimeout = 2 * time.Second
			}
			cfg.StorageRetryBaseDelay = time.Millisecond
			cfg.StorageRetryMaxDelay = 5 * time.Millisecond
		}),
	}
	base = append(base, opts...)
	return StartTestServer(t, base...)
}

func waitFor(t *testing.T, timeout, interval time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if fn() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(interval)
	}
}
