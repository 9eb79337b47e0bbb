// Package server spawns and supervises a local ComfyUI process: argument
// assembly from resolved configuration, readiness polling, log capture,
// and graceful-then-forced shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/soochol/comfy-remote/internal/config"
	"github.com/soochol/comfy-remote/internal/extrapaths"
)

// ErrServerNotReady means the spawned process did not answer its health
// endpoint before the startup deadline. The process is killed before this
// is returned; no orphan survives a failed start.
var ErrServerNotReady = errors.New("server: not ready before deadline")

// State is the manager's lifecycle position. There is no distinct failed
// state: a start that does not reach running tears the process down and
// collapses back to StateStopped, with the failure returned to the caller.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

const (
	readyPollInterval = 500 * time.Millisecond
	// stopGrace is how long a SIGTERM gets before SIGKILL.
	stopGrace = 8 * time.Second
)

// CommandFunc builds the server process command; replaced in tests.
type CommandFunc func(name string, args ...string) *exec.Cmd

// ProbeFunc reports whether the server at baseURL answers requests.
type ProbeFunc func(ctx context.Context, baseURL string) error

// Manager owns one server process. Not safe for concurrent Start/Stop
// from multiple goroutines against the same instance beyond the internal
// locking; one run drives one manager.
type Manager struct {
	cfg      *config.Resolved
	registry *Registry
	logDir   string
	python   string
	command  CommandFunc
	probe    ProbeFunc

	mu     sync.Mutex
	state  State
	cmd    *exec.Cmd
	handle *Handle
	exited chan error
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRegistry shares a registry across managers.
func WithRegistry(r *Registry) ManagerOption {
	return func(m *Manager) { m.registry = r }
}

// WithLogDir places process logs under dir instead of the temp dir.
func WithLogDir(dir string) ManagerOption {
	return func(m *Manager) { m.logDir = dir }
}

// WithPython overrides the interpreter used to launch the server.
func WithPython(path string) ManagerOption {
	return func(m *Manager) { m.python = path }
}

// WithCommand replaces the process constructor, for tests.
func WithCommand(fn CommandFunc) ManagerOption {
	return func(m *Manager) { m.command = fn }
}

// WithReadyProbe replaces the readiness check, for tests.
func WithReadyProbe(fn ProbeFunc) ManagerOption {
	return func(m *Manager) { m.probe = fn }
}

// NewManager creates a Manager for the given resolved configuration.
func NewManager(cfg *config.Resolved, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:     cfg,
		python:  "python",
		state:   StateStopped,
		command: exec.Command,
		probe:   httpProbe,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = NewRegistry()
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Handle returns the running server's handle, nil unless running.
func (m *Manager) Handle() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// Registry returns the registry this manager records handles in.
func (m *Manager) Registry() *Registry { return m.registry }

// Start launches the server process and blocks until it answers its
// health endpoint or timeout elapses. On any failure the process is torn
// down before returning.
func (m *Manager) Start(ctx context.Context, timeout time.Duration) (*Handle, error) {
	m.mu.Lock()
	if m.state != StateStopped {
		m.mu.Unlock()
		return nil, fmt.Errorf("server: start in state %s", m.state)
	}
	m.state = StateStarting
	m.mu.Unlock()

	handle, err := m.launch(ctx)
	if err != nil {
		m.setState(StateStopped)
		return nil, err
	}

	if err := m.awaitReady(ctx, handle.BaseURL, timeout); err != nil {
		m.teardown(handle)
		m.setState(StateStopped)
		return nil, err
	}

	m.mu.Lock()
	m.state = StateRunning
	m.handle = handle
	m.mu.Unlock()
	m.registry.Add(handle)
	slog.Info("server ready", "url", handle.BaseURL, "pid", handle.PID, "log", handle.LogPath)
	return handle, nil
}

func (m *Manager) launch(ctx context.Context) (*Handle, error) {
	host := m.cfg.Server.Host
	port := m.cfg.Server.Port
	if port == 0 {
		p, err := freePort(host)
		if err != nil {
			return nil, fmt.Errorf("server: picking port: %w", err)
		}
		port = p
	}

	mainPy, err := locateEntrypoint(m.cfg.Paths.Home)
	if err != nil {
		return nil, err
	}

	pathsFile, err := extrapaths.Write(m.cfg.Paths)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	logDir := m.logDir
	if logDir == "" {
		logDir = os.TempDir()
	}
	logPath := filepath.Join(logDir, fmt.Sprintf("comfyui-%d.log", port))
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("server: creating log file: %w", err)
	}

	args := m.buildArgs(mainPy, host, port, pathsFile)
	cmd := m.command(m.python, args...)
	cmd.Dir = filepath.Dir(mainPy)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = mergedEnv(m.cfg.Env)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("server: starting process: %w", err)
	}
	slog.Info("server process started", "pid", cmd.Process.Pid, "port", port)

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
		logFile.Close()
	}()

	m.mu.Lock()
	m.cmd = cmd
	m.exited = exited
	m.mu.Unlock()

	return &Handle{
		BaseURL:        fmt.Sprintf("http://%s:%d", host, port),
		Host:           host,
		Port:           port,
		PID:            cmd.Process.Pid,
		LogPath:        logPath,
		ExtraPathsFile: pathsFile,
	}, nil
}

// buildArgs assembles the launch command line from the resolved settings.
func (m *Manager) buildArgs(mainPy, host string, port int, pathsFile string) []string {
	args := []string{"-u", mainPy, "--listen", host, "--port", strconv.Itoa(port)}
	if dir := m.cfg.IO.InputDir; dir != "" {
		args = append(args, "--input-directory", dir)
	}
	if dir := m.cfg.IO.OutputDir; dir != "" {
		args = append(args, "--output-directory", dir)
	}
	if dir := m.cfg.IO.TempDir; dir != "" {
		args = append(args, "--temp-directory", dir)
	}
	if dir := m.cfg.IO.UserDir; dir != "" {
		args = append(args, "--user-directory", dir)
	}
	if pathsFile != "" {
		args = append(args, "--extra-model-paths-config", pathsFile)
	}
	if m.cfg.Server.DisableCudaMalloc {
		args = append(args, "--disable-cuda-malloc")
	}
	if m.cfg.Server.DontPrintServer {
		args = append(args, "--dont-print-server")
	}
	return append(args, m.cfg.Server.ExtraArgs...)
}

// awaitReady polls the health probe until success, process exit, context
// cancellation, or the deadline.
func (m *Manager) awaitReady(ctx context.Context, baseURL string, timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	m.mu.Lock()
	exited := m.exited
	m.mu.Unlock()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, readyPollInterval)
		err := m.probe(probeCtx, baseURL)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case werr := <-exited:
			return fmt.Errorf("server: process exited during startup: %w", exitReason(werr))
		case <-deadline:
			return fmt.Errorf("%w (after %s)", ErrServerNotReady, timeout)
		case <-ticker.C:
		}
	}
}

// Stop terminates the process gracefully, escalating to SIGKILL after the
// grace period. Stopping a stopped manager is a no-op.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return nil
	}
	m.state = StateStopping
	handle := m.handle
	m.mu.Unlock()

	err := m.terminate(ctx, handle)
	m.registry.Remove(handle.BaseURL)
	if handle.ExtraPathsFile != "" {
		os.Remove(handle.ExtraPathsFile)
	}

	m.mu.Lock()
	m.state = StateStopped
	m.handle = nil
	m.cmd = nil
	m.exited = nil
	m.mu.Unlock()
	return err
}

// teardown kills a process that never became ready and cleans up its
// artifacts.
func (m *Manager) teardown(handle *Handle) {
	m.mu.Lock()
	cmd := m.cmd
	exited := m.exited
	m.cmd = nil
	m.exited = nil
	m.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
		if exited != nil {
			<-exited
		}
	}
	if handle.ExtraPathsFile != "" {
		os.Remove(handle.ExtraPathsFile)
	}
}

func (m *Manager) terminate(ctx context.Context, handle *Handle) error {
	m.mu.Lock()
	cmd := m.cmd
	exited := m.exited
	m.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	slog.Info("stopping server", "pid", handle.PID)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		cmd.Process.Kill()
	}
	select {
	case <-exited:
		return nil
	case <-time.After(stopGrace):
	case <-ctx.Done():
	}

	slog.Warn("server did not exit on SIGTERM, killing", "pid", handle.PID)
	cmd.Process.Kill()
	<-exited
	return nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// locateEntrypoint finds main.py directly under home or one level down in
// a ComfyUI checkout.
func locateEntrypoint(home string) (string, error) {
	if home == "" {
		return "", errors.New("server: paths.home is not configured")
	}
	for _, candidate := range []string{
		filepath.Join(home, "main.py"),
		filepath.Join(home, "ComfyUI", "main.py"),
	} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("server: no main.py under %s", home)
}

func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func exitReason(err error) error {
	if err == nil {
		return errors.New("exit status 0")
	}
	return err
}

// freePort asks the kernel for an unused TCP port on host.
func freePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// httpProbe is the default readiness check: the node schema endpoint
// answers only once the server is fully initialized.
func httpProbe(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/object_info", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
