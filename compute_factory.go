package tenantd

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tenantd/internal/compute"
	"pkt.systems/tenantd/internal/compute/process"
	"pkt.systems/tenantd/internal/compute/remote"
)

// OpenCompute builds the compute provider named by cfg.Compute. onChange is
// handed to bindings that can detect a new build of the tenant application.
func OpenCompute(cfg Config, logger pslog.Logger, onChange func()) (compute.Provider, error) {
	raw := strings.TrimSpace(cfg.Compute)
	if raw == "" {
		return nil, fmt.Errorf("config: compute binding required (process:///path/to/app or remote://host/prefix)")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse compute URL: %w", err)
	}
	switch u.Scheme {
	case "process":
		pcfg, err := BuildProcessConfig(raw)
		if err != nil {
			return nil, err
		}
		pcfg.Logger = logger
		pcfg.OnChange = onChange
		return process.New(pcfg)
	case "remote":
		rcfg, err := BuildRemoteConfig(raw)
		if err != nil {
			return nil, err
		}
		rcfg.Token = cfg.ComputeToken
		rcfg.Logger = logger
		return remote.New(rcfg)
	default:
		return nil, fmt.Errorf("compute scheme %q not supported", u.Scheme)
	}
}

// BuildProcessConfig parses
// process:///path/to/bin?arg=..&env=K=V&dir=..&health=/healthz&grace=10s&watch=1.
func BuildProcessConfig(raw string) (process.Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return process.Config{}, fmt.Errorf("parse compute URL: %w", err)
	}
	if u.Scheme != "process" {
		return process.Config{}, fmt.Errorf("compute scheme %q not supported", u.Scheme)
	}
	path := u.Path
	if u.Host != "" {
		path = filepath.Join(u.Host, path)
	}
	if path == "" || path == "/" {
		return process.Config{}, fmt.Errorf("process compute requires an executable path (process:///path/to/app)")
	}
	query := u.Query()
	cfg := process.Config{
		Path:       filepath.Clean(path),
		Args:       query["arg"],
		Env:        query["env"],
		Dir:        query.Get("dir"),
		HealthPath: query.Get("health"),
		Watch:      boolParam(query, "watch"),
	}
	for _, kv := range cfg.Env {
		if !strings.Contains(kv, "=") {
			return process.Config{}, fmt.Errorf("process compute env %q must be KEY=VALUE", kv)
		}
	}
	if v := query.Get("grace"); v != "" {
		grace, err := time.ParseDuration(v)
		if err != nil || grace < 0 {
			return process.Config{}, fmt.Errorf("process compute grace %q invalid", v)
		}
		cfg.StopGrace = grace
	}
	return cfg, nil
}

// BuildRemoteConfig parses remote://host[:port]/prefix?tls=1&health=/healthz.
func BuildRemoteConfig(raw string) (remote.Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return remote.Config{}, fmt.Errorf("parse compute URL: %w", err)
	}
	if u.Scheme != "remote" {
		return remote.Config{}, fmt.Errorf("compute scheme %q not supported", u.Scheme)
	}
	if u.Host == "" {
		return remote.Config{}, fmt.Errorf("remote compute requires a host (remote://host[:port]/prefix)")
	}
	query := u.Query()
	scheme := "http"
	if boolParam(query, "tls") {
		scheme = "https"
	}
	base := url.URL{Scheme: scheme, Host: u.Host, Path: strings.TrimSuffix(u.Path, "/")}
	return remote.Config{
		BaseURL:        base.String(),
		HealthPath:     query.Get("health"),
		EndpointScheme: query.Get("endpoint-scheme"),
	}, nil
}
