package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/tenantd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage tenantd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.tenantd/" + tenantd.DefaultConfigFileName
	if dir, err := tenantd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, tenantd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default tenantd configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := tenantd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, tenantd.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the server flags; keys match flag names so viper
// reads the generated file back unchanged.
type configDefaults struct {
	Listen                    string   `yaml:"listen"`
	ListenProto               string   `yaml:"listen-proto"`
	MetricsListen             string   `yaml:"metrics-listen"`
	PprofListen               string   `yaml:"pprof-listen"`
	OTLPEndpoint              string   `yaml:"otlp-endpoint"`
	Store                     string   `yaml:"store"`
	Compute                   string   `yaml:"compute"`
	PathPrefix                string   `yaml:"path-prefix"`
	QueryParam                string   `yaml:"query-param"`
	SubdomainBase             string   `yaml:"subdomain-base"`
	IdleTimeout               string   `yaml:"idle-timeout"`
	StartTimeout              string   `yaml:"start-timeout"`
	StopTimeout               string   `yaml:"stop-timeout"`
	HealthInterval            string   `yaml:"health-interval"`
	HealthTimeout             string   `yaml:"health-timeout"`
	RestartDrain              string   `yaml:"restart-drain"`
	UnreachableThreshold      int      `yaml:"unreachable-threshold"`
	RecorderCapacity          int      `yaml:"recorder-capacity"`
	ForwardTimeout            string   `yaml:"forward-timeout"`
	MaxBody                   string   `yaml:"max-body"`
	MaxMetadata               string   `yaml:"max-metadata"`
	DisableOriginHeaders      bool     `yaml:"disable-origin-headers"`
	GeoHeader                 string   `yaml:"geo-header"`
	TrustedProxies            []string `yaml:"trusted-proxy"`
	LivenessInterval          string   `yaml:"liveness-interval"`
	StopOnShutdown            bool     `yaml:"stop-on-shutdown"`
	ShutdownTimeout           string   `yaml:"shutdown-timeout"`
	H2C                       bool     `yaml:"h2c"`
	HTTP2MaxConcurrentStreams int      `yaml:"http2-max-concurrent-streams"`
	StorageRetryMaxAttempts   int      `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay     string   `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay      string   `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier    float64  `yaml:"storage-retry-multiplier"`
	AWSRegion                 string   `yaml:"aws-region"`
	LogLevel                  string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                    tenantd.DefaultListen,
		ListenProto:               tenantd.DefaultListenProto,
		Store:                     tenantd.DefaultStore,
		PathPrefix:                tenantd.DefaultPathPrefix,
		QueryParam:                tenantd.DefaultQueryParam,
		IdleTimeout:               tenantd.DefaultIdleTimeout.String(),
		StartTimeout:              tenantd.DefaultStartTimeout.String(),
		StopTimeout:               tenantd.DefaultStopTimeout.String(),
		HealthInterval:            tenantd.DefaultHealthInterval.String(),
		HealthTimeout:             tenantd.DefaultHealthTimeout.String(),
		RestartDrain:              "0s",
		UnreachableThreshold:      tenantd.DefaultUnreachableThreshold,
		RecorderCapacity:          tenantd.DefaultRecorderCapacity,
		ForwardTimeout:            tenantd.DefaultForwardTimeout.String(),
		MaxBody:                   humanizeBytes(tenantd.DefaultMaxBodyBytes),
		MaxMetadata:               humanizeBytes(tenantd.DefaultMaxMetadataBytes),
		GeoHeader:                 tenantd.DefaultGeoHeader,
		LivenessInterval:          tenantd.DefaultLivenessInterval.String(),
		StopOnShutdown:            true,
		ShutdownTimeout:           tenantd.DefaultShutdownTimeout.String(),
		HTTP2MaxConcurrentStreams: tenantd.DefaultMaxConcurrentStreams,
		StorageRetryMaxAttempts:   tenantd.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:     tenantd.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:      tenantd.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:    tenantd.DefaultStorageRetryMultiplier,
		LogLevel:                  "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
