package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/tenantd"
	tenantdclient "pkt.systems/tenantd/client"
	"pkt.systems/tenantd/internal/jsonutil"
	"pkt.systems/tenantd/internal/svcfields"
)

const (
	clientServerKey      = "client.server"
	clientTimeoutKey     = "client.timeout"
	clientPathPrefixKey  = "client.path_prefix"
	clientCorrelationKey = "client.correlation_id"
	clientLogLevelKey    = "client.log_level"

	defaultClientTimeout = 30 * time.Second
)

func newInstanceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instance",
		Aliases: []string{"inst"},
		Short:   "Inspect and manage tenant instances on a running tenantd",
	}

	flags := cmd.PersistentFlags()
	flags.String("server", tenantd.DefaultClientServer, "tenantd base URL (http://, https:// or unix:///path)")
	flags.Duration("timeout", defaultClientTimeout, "HTTP client timeout")
	flags.String("path-prefix", tenantd.DefaultPathPrefix, "path prefix the server routes tenant keys under")
	flags.String("correlation-id", "", "correlation ID sent with every request")
	flags.String("log-level", "none", "client log level (trace|debug|info|warn|error|none)")

	mustBindFlag(clientServerKey, "TENANTD_CLIENT_SERVER", flags.Lookup("server"))
	mustBindFlag(clientTimeoutKey, "TENANTD_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(clientPathPrefixKey, "TENANTD_CLIENT_PATH_PREFIX", flags.Lookup("path-prefix"))
	mustBindFlag(clientCorrelationKey, "TENANTD_CLIENT_CORRELATION_ID", flags.Lookup("correlation-id"))
	mustBindFlag(clientLogLevelKey, "TENANTD_CLIENT_LOG_LEVEL", flags.Lookup("log-level"))

	cmd.AddCommand(
		newInstanceStatusCommand(),
		newInstanceRestartCommand(),
		newInstanceMetadataCommand(),
	)
	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if err := viper.BindEnv(key, env); err != nil {
		panic(err)
	}
}

// newCLIClient builds the SDK client from the bound instance flags and
// returns a context carrying the correlation ID, if any.
func newCLIClient(ctx context.Context, stderr io.Writer) (*tenantdclient.Client, context.Context, error) {
	server := strings.TrimSpace(viper.GetString(clientServerKey))
	if server == "" {
		server = tenantd.DefaultClientServer
	}
	opts := []tenantdclient.Option{
		tenantdclient.WithHTTPTimeout(viper.GetDuration(clientTimeoutKey)),
		tenantdclient.WithPathPrefix(viper.GetString(clientPathPrefixKey)),
	}
	levelName := strings.TrimSpace(strings.ToLower(viper.GetString(clientLogLevelKey)))
	if levelName != "" && levelName != "none" {
		level, ok := pslog.ParseLevel(levelName)
		if !ok {
			return nil, ctx, fmt.Errorf("invalid --log-level %q", levelName)
		}
		logger := pslog.NewStructured(ctx, stderr).LogLevel(level).With("app", "tenantd")
		opts = append(opts, tenantdclient.WithLogger(svcfields.WithSubsystem(logger, "client.cli")))
	}
	cli, err := tenantdclient.New(server, opts...)
	if err != nil {
		return nil, ctx, err
	}
	if cid := strings.TrimSpace(viper.GetString(clientCorrelationKey)); cid != "" {
		ctx = tenantdclient.WithCorrelationID(ctx, cid)
	}
	return cli, ctx, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newInstanceStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <tenant-key>",
		Short: "Show lifecycle state and record statistics for a tenant instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, ctx, err := newCLIClient(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			status, err := cli.Status(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

func newInstanceRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <tenant-key>",
		Short: "Stop and start a tenant instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, ctx, err := newCLIClient(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			resp, err := cli.Restart(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func newInstanceMetadataCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "metadata",
		Aliases: []string{"meta"},
		Short:   "Read or merge free-form instance metadata",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <tenant-key>",
		Short: "Print the metadata object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, ctx, err := newCLIClient(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			meta, err := cli.Metadata(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), meta)
		},
	})

	var maxBytes string
	set := &cobra.Command{
		Use:   "set <tenant-key> <json|@file|->",
		Short: "Shallow-merge a JSON object into the metadata",
		Example: `  tenantd instance metadata set acme '{"plan":"pro"}'
  tenantd instance metadata set acme @patch.json
  echo '{"owner":null}' | tenantd instance metadata set acme -`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := parseHumanBytes(maxBytes)
			if err != nil {
				return fmt.Errorf("parse --max-bytes: %w", err)
			}
			src, closeSrc, err := openPatchSource(args[1], cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer closeSrc()
			patch, err := jsonutil.DecodeObject(src, limit)
			if err != nil {
				return fmt.Errorf("metadata patch: %w", err)
			}
			cli, ctx, err := newCLIClient(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			resp, err := cli.SetMetadata(ctx, args[0], patch)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	set.Flags().StringVar(&maxBytes, "max-bytes", humanizeBytes(tenantd.DefaultMaxMetadataBytes), "maximum patch size accepted locally")
	cmd.AddCommand(set)
	return cmd
}

func openPatchSource(arg string, stdin io.Reader) (io.Reader, func(), error) {
	switch {
	case arg == "-":
		return stdin, func() {}, nil
	case strings.HasPrefix(arg, "@"):
		f, err := os.Open(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, nil, fmt.Errorf("open metadata patch: %w", err)
		}
		return f, func() { _ = f.Close() }, nil
	default:
		return bytes.NewReader([]byte(arg)), func() {}, nil
	}
}

func parseHumanBytes(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}
