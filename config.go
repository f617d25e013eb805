package tenantd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/tenantd/internal/gateway"
	"pkt.systems/tenantd/internal/httpapi"
	"pkt.systems/tenantd/internal/lifecycle"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":8080"
	// DefaultListenProto controls the listener network when none is configured.
	DefaultListenProto = "tcp"
	// DefaultStore points the server at the in-memory record backend.
	DefaultStore = "mem://"
	// DefaultPathPrefix is the path form prefix (/app/{key}/...).
	DefaultPathPrefix = httpapi.DefaultPathPrefix
	// DefaultQueryParam is the query form parameter (?appId={key}).
	DefaultQueryParam = httpapi.DefaultQueryParam
	// DefaultIdleTimeout is how long a Running instance may stay unused.
	DefaultIdleTimeout = lifecycle.DefaultIdleTimeout
	// DefaultStartTimeout bounds start plus the first healthy probe.
	DefaultStartTimeout = lifecycle.DefaultStartTimeout
	// DefaultStopTimeout bounds one stop primitive call.
	DefaultStopTimeout = lifecycle.DefaultStopTimeout
	// DefaultHealthInterval is the pause between health probes while starting.
	DefaultHealthInterval = lifecycle.DefaultHealthInterval
	// DefaultHealthTimeout bounds one health probe.
	DefaultHealthTimeout = lifecycle.DefaultHealthTimeout
	// DefaultUnreachableThreshold is how many consecutive forward failures
	// move a Running instance to Error.
	DefaultUnreachableThreshold = lifecycle.DefaultUnreachableThreshold
	// DefaultRecorderCapacity caps distinct identities queued for async
	// record updates.
	DefaultRecorderCapacity = lifecycle.DefaultRecorderCapacity
	// DefaultForwardTimeout bounds one forward.
	DefaultForwardTimeout = gateway.DefaultForwardTimeout
	// DefaultMaxBodyBytes caps buffered forward bodies.
	DefaultMaxBodyBytes = int64(gateway.DefaultMaxBodyBytes)
	// DefaultMaxMetadataBytes caps /_metadata bodies.
	DefaultMaxMetadataBytes = int64(httpapi.DefaultMaxMetadataBytes)
	// DefaultGeoHeader is copied into X-Tenant-Geo.
	DefaultGeoHeader = gateway.DefaultGeoHeader
	// DefaultLivenessInterval is the cadence of the Running-instance sweep.
	DefaultLivenessInterval = 30 * time.Second
	// DefaultShutdownTimeout caps the total graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second
	// DefaultMaxConcurrentStreams is the HTTP/2 stream cap for h2c.
	DefaultMaxConcurrentStreams = 1024
	// DefaultStorageRetryMaxAttempts is how many times transient storage
	// errors are tried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay is the first retry delay.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier is the backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultAzureEndpointPattern expands Azure account names into their
	// HTTPS endpoint.
	DefaultAzureEndpointPattern = "https://%s.blob.core.windows.net"
	// DefaultConfigFileName is searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// DefaultClientServer is the CLI client's default target.
	DefaultClientServer = "http://127.0.0.1:8080"
)

// Config captures the tunables for a tenantd Server.
type Config struct {
	// Listen is the bind address. With ListenProto "unix" it is a socket path.
	Listen string
	// ListenProto is "tcp" or "unix".
	ListenProto string
	// MetricsListen is the Prometheus scrape address; empty disables it.
	MetricsListen string
	// PprofListen is the pprof address; empty disables it.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the scrape endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables trace export (grpc[s]:// or http[s]://).
	OTLPEndpoint string
	// DisableHTTPTracing turns off otelhttp spans around routes.
	DisableHTTPTracing bool
	// DisableStorageTracing turns off spans around record backend calls.
	DisableStorageTracing bool

	// Store is the record backend URL (mem://, disk://, s3://, aws://, azure://).
	Store string
	// Compute is the compute binding URL (process://, remote://).
	Compute string

	PathPrefix    string
	QueryParam    string
	SubdomainBase string

	IdleTimeout          time.Duration
	StartTimeout         time.Duration
	StopTimeout          time.Duration
	HealthInterval       time.Duration
	HealthTimeout        time.Duration
	RestartDrain         time.Duration
	UnreachableThreshold int
	RecorderCapacity     int

	ForwardTimeout       time.Duration
	MaxBodyBytes         int64
	MaxMetadataBytes     int64
	DisableOriginHeaders bool
	GeoHeader            string
	// TrustedProxies lists CIDRs or bare IPs whose X-Forwarded-For chain is kept.
	TrustedProxies []string

	// LivenessInterval is the Running-instance sweep cadence; 0 disables it.
	LivenessInterval time.Duration
	// StopOnShutdown stops running instances during graceful shutdown.
	StopOnShutdown bool
	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration

	// H2C serves cleartext HTTP/2 alongside HTTP/1.1.
	H2C bool
	// HTTP2MaxConcurrentStreams caps concurrent h2c streams per connection.
	HTTP2MaxConcurrentStreams int

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	AWSRegion         string
	AzureAccount      string
	AzureAccountKey   string
	AzureEndpoint     string
	AzureSASToken     string

	// ComputeToken is the bearer token for remote:// control planes.
	ComputeToken string
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	cfg := Config{StopOnShutdown: true}
	_ = cfg.Validate()
	return cfg
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: listen proto must be tcp or unix, got %q", c.ListenProto)
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	if _, err := url.Parse(c.Store); err != nil {
		return fmt.Errorf("config: store: %w", err)
	}
	if c.PathPrefix == "" {
		c.PathPrefix = DefaultPathPrefix
	}
	if !strings.HasPrefix(c.PathPrefix, "/") {
		return fmt.Errorf("config: path prefix must start with /")
	}
	if c.PathPrefix == "/" {
		return fmt.Errorf("config: path prefix must not be the root path")
	}
	if c.QueryParam == "" {
		c.QueryParam = DefaultQueryParam
	}
	c.SubdomainBase = strings.Trim(strings.TrimSpace(c.SubdomainBase), ".")

	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	} else if c.IdleTimeout < 0 {
		// Negative disables idle sleeping.
		c.IdleTimeout = -1
	}
	if c.StartTimeout < 0 || c.StopTimeout < 0 || c.HealthInterval < 0 || c.HealthTimeout < 0 {
		return fmt.Errorf("config: lifecycle timeouts must be >= 0")
	}
	if c.StartTimeout == 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.HealthTimeout == 0 {
		c.HealthTimeout = DefaultHealthTimeout
	}
	if c.HealthTimeout > c.StartTimeout {
		return fmt.Errorf("config: health timeout must not exceed start timeout")
	}
	if c.RestartDrain < 0 {
		return fmt.Errorf("config: restart drain must be >= 0")
	}
	if c.UnreachableThreshold <= 0 {
		c.UnreachableThreshold = DefaultUnreachableThreshold
	}
	if c.RecorderCapacity <= 0 {
		c.RecorderCapacity = DefaultRecorderCapacity
	}

	if c.ForwardTimeout < 0 {
		return fmt.Errorf("config: forward timeout must be >= 0")
	}
	if c.ForwardTimeout == 0 {
		c.ForwardTimeout = DefaultForwardTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.MaxMetadataBytes <= 0 {
		c.MaxMetadataBytes = DefaultMaxMetadataBytes
	}
	if c.GeoHeader == "" {
		c.GeoHeader = DefaultGeoHeader
	}
	if _, err := gateway.ParseCIDRs(c.TrustedProxies); err != nil {
		return fmt.Errorf("config: trusted proxies: %w", err)
	}

	if c.LivenessInterval < 0 {
		return fmt.Errorf("config: liveness interval must be >= 0")
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: shutdown timeout must be >= 0")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.HTTP2MaxConcurrentStreams < 0 {
		return fmt.Errorf("config: http2 max concurrent streams must be >= 0")
	}
	if c.HTTP2MaxConcurrentStreams == 0 {
		c.HTTP2MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}

	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay must be >= base delay")
	}
	if c.StorageRetryMultiplier < 1 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.ComputeToken == "" {
		c.ComputeToken = strings.TrimSpace(os.Getenv("TENANTD_COMPUTE_TOKEN"))
	}
	return nil
}

// lifecycleConfig maps the server settings onto the controller settings.
func (c Config) lifecycleConfig() lifecycle.Config {
	return lifecycle.Config{
		IdleTimeout:          c.IdleTimeout,
		StartTimeout:         c.StartTimeout,
		HealthInterval:       c.HealthInterval,
		HealthTimeout:        c.HealthTimeout,
		StopTimeout:          c.StopTimeout,
		RestartDrain:         c.RestartDrain,
		UnreachableThreshold: c.UnreachableThreshold,
		RecorderCapacity:     c.RecorderCapacity,
	}
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.tenantd). TENANTD_CONFIG_DIR overrides it.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("TENANTD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tenantd"), nil
}
