package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/tenantd"
	"pkt.systems/tenantd/internal/svcfields"
	"pkt.systems/tenantd/internal/version"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("TENANTD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "tenantd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand. Server failures are logged, subcommand failures printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	for _, arg := range args {
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "-") {
			continue
		}
		if isSubcommandToken(root, arg) {
			return false
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := tenantd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, tenantd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// serverFlagNames are bound to viper so each can come from a flag, a
// TENANTD_* environment variable or the config file.
var serverFlagNames = []string{
	"config",
	"listen", "listen-proto", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	"disable-http-tracing", "disable-storage-tracing",
	"store", "compute",
	"path-prefix", "query-param", "subdomain-base",
	"idle-timeout", "start-timeout", "stop-timeout", "health-interval", "health-timeout", "restart-drain",
	"unreachable-threshold", "recorder-capacity",
	"forward-timeout", "max-body", "max-metadata", "disable-origin-headers", "geo-header", "trusted-proxy",
	"liveness-interval", "stop-on-shutdown", "shutdown-timeout", "h2c", "http2-max-concurrent-streams",
	"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
	"aws-region", "azure-account", "azure-key", "azure-endpoint", "azure-sas-token",
	"log-level",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tenantd",
		Short:         "tenantd routes requests by tenant key to per-tenant compute instances that start on demand and sleep when idle",
		SilenceErrors: true,
		Example: `
  # One child process per tenant, records on local disk
  tenantd --compute 'process:///srv/app/bin/server?health=/healthz&watch=1' --store disk:///var/lib/tenantd

  # Remote control plane, records in MinIO (TLS on by default; append ?insecure=1 for HTTP)
  TENANTD_COMPUTE_TOKEN=secret tenantd --compute remote://control.internal:7000/v1 \
    --store 's3://localhost:9000/tenantd?insecure=1'

  # Subdomain routing: acme.apps.example.com reaches tenant "acme"
  tenantd --compute process:///srv/app/bin/server --subdomain-base apps.example.com
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to tenantd",
				"version", version.Current(),
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			var cfg tenantd.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			server, err := tenantd.NewServer(cfg, tenantd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				_ = server.Close()
			}()
			go func() {
				<-ctx.Done()
				if err := server.Close(); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.tenantd/"+tenantd.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", tenantd.DefaultListen, "listen address (socket path when --listen-proto=unix)")
	flags.String("listen-proto", tenantd.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("metrics-listen", "", "Prometheus scrape address (empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "add Go runtime metrics to the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("disable-http-tracing", false, "disable spans around routed requests")
	flags.Bool("disable-storage-tracing", false, "disable spans and logs around record backend calls")
	flags.String("store", tenantd.DefaultStore, "record backend URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	flags.String("compute", "", "compute binding URL (process:///path/to/app, remote://host[:port]/prefix)")
	flags.String("path-prefix", tenantd.DefaultPathPrefix, "path prefix for the /{prefix}/{key}/... routing form")
	flags.String("query-param", tenantd.DefaultQueryParam, "query parameter for the ?{param}={key} routing form")
	flags.String("subdomain-base", "", "base domain for {key}.{base} routing (empty disables)")
	flags.Duration("idle-timeout", tenantd.DefaultIdleTimeout, "idle time before a running instance is put to sleep (negative disables)")
	flags.Duration("start-timeout", tenantd.DefaultStartTimeout, "maximum time for a start including the first healthy probe")
	flags.Duration("stop-timeout", tenantd.DefaultStopTimeout, "maximum time for one stop call")
	flags.Duration("health-interval", tenantd.DefaultHealthInterval, "pause between health probes while starting")
	flags.Duration("health-timeout", tenantd.DefaultHealthTimeout, "timeout for one health probe")
	flags.Duration("restart-drain", 0, "time a restart waits for in-flight forwards before stopping (0 stops immediately)")
	flags.Int("unreachable-threshold", tenantd.DefaultUnreachableThreshold, "consecutive forward failures before a running instance moves to error")
	flags.Int("recorder-capacity", tenantd.DefaultRecorderCapacity, "maximum instances with queued record updates")
	flags.Duration("forward-timeout", tenantd.DefaultForwardTimeout, "timeout for one forwarded request")
	flags.String("max-body", humanizeBytes(tenantd.DefaultMaxBodyBytes), "maximum forwarded request body size")
	flags.String("max-metadata", humanizeBytes(tenantd.DefaultMaxMetadataBytes), "maximum /_metadata body size")
	flags.Bool("disable-origin-headers", false, "do not add X-Forwarded-* and X-Tenant-* headers to forwarded requests")
	flags.String("geo-header", tenantd.DefaultGeoHeader, "inbound header copied into X-Tenant-Geo")
	flags.StringSlice("trusted-proxy", nil, "CIDR or IP whose X-Forwarded-For chain is trusted (repeatable)")
	flags.Duration("liveness-interval", tenantd.DefaultLivenessInterval, "interval between liveness sweeps of running instances (0 disables)")
	flags.Bool("stop-on-shutdown", true, "stop running instances during graceful shutdown")
	flags.Duration("shutdown-timeout", tenantd.DefaultShutdownTimeout, "overall graceful shutdown timeout")
	flags.Bool("h2c", false, "serve cleartext HTTP/2 alongside HTTP/1.1")
	flags.Int("http2-max-concurrent-streams", tenantd.DefaultMaxConcurrentStreams, "maximum concurrent h2c streams per connection")
	flags.Int("storage-retry-attempts", tenantd.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	flags.Duration("storage-retry-base-delay", tenantd.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	flags.Duration("storage-retry-max-delay", tenantd.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	flags.Float64("storage-retry-multiplier", tenantd.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	flags.String("aws-region", "", "AWS region for aws:// stores")
	flags.String("azure-account", "", "Azure Storage account (overrides the store URL host)")
	flags.String("azure-key", "", "Azure Storage account key (or use TENANTD_AZURE_ACCOUNT_KEY)")
	flags.String("azure-endpoint", "", "Azure Blob service endpoint (defaults to "+fmt.Sprintf(tenantd.DefaultAzureEndpointPattern, "<account>")+")")
	flags.String("azure-sas-token", "", "Azure SAS token (alternative to an account key)")
	flags.String("log-level", "info", "log level (trace|debug|info|warn|error)")

	viper.SetEnvPrefix("TENANTD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range serverFlagNames {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newInstanceCommand())
	cmd.AddCommand(newLocateCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *tenantd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DisableHTTPTracing = viper.GetBool("disable-http-tracing")
	cfg.DisableStorageTracing = viper.GetBool("disable-storage-tracing")
	cfg.Store = viper.GetString("store")
	cfg.Compute = viper.GetString("compute")
	cfg.PathPrefix = viper.GetString("path-prefix")
	cfg.QueryParam = viper.GetString("query-param")
	cfg.SubdomainBase = viper.GetString("subdomain-base")
	cfg.IdleTimeout = viper.GetDuration("idle-timeout")
	cfg.StartTimeout = viper.GetDuration("start-timeout")
	cfg.StopTimeout = viper.GetDuration("stop-timeout")
	cfg.HealthInterval = viper.GetDuration("health-interval")
	cfg.HealthTimeout = viper.GetDuration("health-timeout")
	cfg.RestartDrain = viper.GetDuration("restart-drain")
	cfg.UnreachableThreshold = viper.GetInt("unreachable-threshold")
	cfg.RecorderCapacity = viper.GetInt("recorder-capacity")
	cfg.ForwardTimeout = viper.GetDuration("forward-timeout")
	maxBody, err := parseByteSize("max-body")
	if err != nil {
		return err
	}
	cfg.MaxBodyBytes = maxBody
	maxMetadata, err := parseByteSize("max-metadata")
	if err != nil {
		return err
	}
	cfg.MaxMetadataBytes = maxMetadata
	cfg.DisableOriginHeaders = viper.GetBool("disable-origin-headers")
	cfg.GeoHeader = viper.GetString("geo-header")
	cfg.TrustedProxies = viper.GetStringSlice("trusted-proxy")
	cfg.LivenessInterval = viper.GetDuration("liveness-interval")
	cfg.StopOnShutdown = viper.GetBool("stop-on-shutdown")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.H2C = viper.GetBool("h2c")
	cfg.HTTP2MaxConcurrentStreams = viper.GetInt("http2-max-concurrent-streams")
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.ComputeToken = viper.GetString("compute-token")
	return nil
}

func parseByteSize(key string) (int64, error) {
	n, err := parseHumanBytes(viper.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
