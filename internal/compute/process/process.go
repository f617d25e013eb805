// Package process runs each tenant instance as a local child process that
// serves HTTP on a loopback port handed to it through PORT.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tenantd/internal/compute"
	"pkt.systems/tenantd/internal/svcfields"
	"pkt.systems/tenantd/internal/tenant"
)

const (
	// DefaultHealthPath is probed when Config.HealthPath is empty.
	DefaultHealthPath = "/healthz"
	// DefaultStopGrace bounds the wait between SIGTERM and SIGKILL.
	DefaultStopGrace = 10 * time.Second
)

// Config describes the executable launched for every instance.
type Config struct {
	Path       string
	Args       []string
	Env        []string
	Dir        string
	HealthPath string
	StopGrace  time.Duration
	// Watch enables an fsnotify watch on Path; OnChange runs after the
	// executable is replaced.
	Watch    bool
	OnChange func()
	Logger   pslog.Logger
}

// Provider creates process runtimes sharing one Config.
type Provider struct {
	cfg     Config
	logger  pslog.Logger
	client  *http.Client
	watcher *binaryWatcher
}

// New validates cfg and returns a provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Path == "" {
		return nil, errors.New("process: executable path required")
	}
	info, err := os.Stat(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("process: stat executable: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("process: %s is a directory", cfg.Path)
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = DefaultHealthPath
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	p := &Provider{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(logger, "compute.process"),
		client: compute.NewHTTPClient(),
	}
	if cfg.Watch {
		w, err := watchBinary(cfg.Path, p.logger, cfg.OnChange)
		if err != nil {
			return nil, err
		}
		p.watcher = w
	}
	return p, nil
}

// Runtime returns a new, stopped runtime for id.
func (p *Provider) Runtime(id tenant.Identity, key tenant.Key) (compute.Runtime, error) {
	return &Runtime{
		provider: p,
		id:       id,
		key:      key,
		logger:   p.logger.With(svcfields.TenantKey, key.String(), svcfields.InstanceID, id.Short()),
	}, nil
}

// Close stops the executable watcher.
func (p *Provider) Close() error {
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}

// Runtime is one child process.
type Runtime struct {
	provider *Provider
	id       tenant.Identity
	key      tenant.Key
	logger   pslog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	port int
	done chan struct{}
}

// Start launches the child. It returns once the process exists; readiness
// is left to HealthCheck.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aliveLocked() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	port, err := freePort()
	if err != nil {
		return fmt.Errorf("process: allocate port: %w", err)
	}
	cfg := r.provider.cfg
	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(append(os.Environ(), cfg.Env...),
		"PORT="+strconv.Itoa(port),
		"TENANT_KEY="+r.key.String(),
		"TENANT_INSTANCE="+r.id.String(),
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("process: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("process: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("process: start %s: %w", cfg.Path, err)
	}
	done := make(chan struct{})
	var pipes sync.WaitGroup
	pipes.Add(2)
	go r.pump(&pipes, "stdout", stdout)
	go r.pump(&pipes, "stderr", stderr)
	go func() {
		pipes.Wait()
		err := cmd.Wait()
		r.logger.Debug("process.exit", "pid", cmd.Process.Pid, "error", err)
		close(done)
	}()
	r.cmd, r.port, r.done = cmd, port, done
	r.logger.Info("process.start", "pid", cmd.Process.Pid, "port", port)
	return nil
}

func (r *Runtime) pump(wg *sync.WaitGroup, stream string, rd io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		r.logger.Info("process.output", "stream", stream, "line", scanner.Text())
	}
}

// Stop sends SIGTERM and escalates to SIGKILL after the grace period or
// when ctx ends.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	cmd, done := r.cmd, r.done
	r.mu.Unlock()
	if cmd == nil || done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		r.logger.Warn("process.stop.signal_failed", "error", err)
	}
	grace := time.NewTimer(r.provider.cfg.StopGrace)
	defer grace.Stop()
	select {
	case <-done:
		r.logger.Info("process.stop", "pid", cmd.Process.Pid)
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("process: kill: %w", err)
	}
	<-done
	r.logger.Warn("process.stop.killed", "pid", cmd.Process.Pid)
	return nil
}

// IsRunning reports whether the child is alive.
func (r *Runtime) IsRunning(context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aliveLocked()
}

func (r *Runtime) aliveLocked() bool {
	if r.done == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// HealthCheck probes the configured health path.
func (r *Runtime) HealthCheck(ctx context.Context) error {
	base, ok := r.baseURL()
	if !ok {
		return compute.ErrNotRunning
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+r.provider.cfg.HealthPath, nil)
	if err != nil {
		return err
	}
	return compute.Probe(r.provider.client, req)
}

// Send forwards req to the child's loopback listener.
func (r *Runtime) Send(ctx context.Context, req *http.Request) (*http.Response, error) {
	base, ok := r.baseURL()
	if !ok {
		return nil, compute.ErrNotRunning
	}
	return compute.SendTo(ctx, r.provider.client, base, req)
}

// Endpoint returns the loopback host:port of a running child.
func (r *Runtime) Endpoint() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.aliveLocked() {
		return ""
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(r.port))
}

func (r *Runtime) baseURL() (string, bool) {
	endpoint := r.Endpoint()
	if endpoint == "" {
		return "", false
	}
	return "http://" + endpoint, true
}

func (r *Runtime) pid() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.aliveLocked() {
		return 0
	}
	return r.cmd.Process.Pid
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
