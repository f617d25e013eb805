package lifecycle

import (
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tenantd/internal/clock"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultIdleTimeout          = 10 * time.Minute
	DefaultStartTimeout         = 60 * time.Second
	DefaultHealthInterval       = 250 * time.Millisecond
	DefaultHealthTimeout        = 2 * time.Second
	DefaultStopTimeout          = 15 * time.Second
	DefaultUnreachableThreshold = 3
	DefaultRecorderCapacity     = 4096
	DefaultRecordTimeout        = 5 * time.Second
)

// Config tunes every controller created by a Registry.
type Config struct {
	// IdleTimeout puts a running instance to sleep after this long without
	// a successful forward. Zero or negative disables idling.
	IdleTimeout time.Duration
	// StartTimeout bounds the start primitive plus health polling.
	StartTimeout   time.Duration
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	StopTimeout    time.Duration
	// RestartDrain, when positive, lets in-flight forwards finish (up to
	// this long) before a restart stops the instance.
	RestartDrain time.Duration
	// UnreachableThreshold is the number of consecutive failed forwards
	// that moves a running controller to Error.
	UnreachableThreshold int
	// RecorderCapacity bounds the number of identities with pending
	// asynchronous record updates.
	RecorderCapacity int
	// RecordTimeout bounds each asynchronous record write.
	RecordTimeout time.Duration

	Clock  clock.Clock
	Logger pslog.Logger
}

func (c Config) withDefaults() Config {
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = DefaultHealthTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.RestartDrain < 0 {
		c.RestartDrain = 0
	}
	if c.UnreachableThreshold <= 0 {
		c.UnreachableThreshold = DefaultUnreachableThreshold
	}
	if c.RecorderCapacity <= 0 {
		c.RecorderCapacity = DefaultRecorderCapacity
	}
	if c.RecordTimeout <= 0 {
		c.RecordTimeout = DefaultRecordTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.Logger == nil {
		c.Logger = pslog.NoopLogger()
	}
	return c
}
