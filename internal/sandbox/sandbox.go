package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"
)

var ErrDisabled = errors.New("command execution is disabled")

// Backend identifies the isolation mechanism.
type Backend string

const (
	BackendNone        Backend = "none"
	BackendBubblewrap  Backend = "bubblewrap"
	BackendSandboxExec Backend = "sandbox-exec"
)

// Config controls command execution.
type Config struct {
	Enabled          bool
	WorkspaceDir     string // writable directory; empty = current directory
	Timeout          time.Duration
	MaxOutputBytes   int64
	NetworkIsolation bool
}

// DefaultConfig mirrors the execution defaults (disabled, 30s, 50KB).
func DefaultConfig() Config {
	return Config{
		Timeout:        30 * time.Second,
		MaxOutputBytes: 51200,
	}
}

// Result is the outcome of one command.
type Result struct {
	Stdout    string `json:"stdout" yaml:"stdout"`
	Stderr    string `json:"stderr" yaml:"stderr"`
	ExitCode  *int   `json:"exit_code,omitempty" yaml:"exit_code,omitempty"` // nil when the process was killed
	TimedOut  bool   `json:"timed_out" yaml:"timed_out"`
	Truncated bool   `json:"truncated" yaml:"truncated"`
	Sandboxed bool   `json:"sandboxed" yaml:"sandboxed"`
}

// Success reports a clean zero exit.
func (r Result) Success() bool {
	return !r.TimedOut && r.ExitCode != nil && *r.ExitCode == 0
}

// Executor runs commands confined to a workspace directory.
type Executor struct {
	cfg     Config
	backend Backend
	shell   string
}

// New validates cfg and detects the isolation backend available on this host.
func New(cfg Config) (*Executor, error) {
	return NewWithBackend(cfg, Detect())
}

// NewWithBackend is New with an explicit backend.
func NewWithBackend(cfg Config, backend Backend) (*Executor, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultConfig().MaxOutputBytes
	}

	dir := cfg.WorkspaceDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve workspace: %w", err)
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", abs)
	}
	cfg.WorkspaceDir = abs

	if backend == BackendSandboxExec {
		if err := validateProfilePath(abs); err != nil {
			return nil, err
		}
	}
	if backend == BackendNone {
		slog.Warn("no sandbox available; commands run unconfined in the workspace", "workspace", abs)
	}

	return &Executor{cfg: cfg, backend: backend, shell: detectShell()}, nil
}

// Detect reports the isolation backend usable on this host.
func Detect() Backend {
	switch runtime.GOOS {
	case "linux":
		if bubblewrapUsable() {
			return BackendBubblewrap
		}
	case "darwin":
		if _, err := exec.LookPath("sandbox-exec"); err == nil {
			return BackendSandboxExec
		}
	}
	return BackendNone
}

// bubblewrapUsable runs a trivial command under bwrap; the binary can be
// installed but unusable when user namespaces are disabled.
func bubblewrapUsable() bool {
	path, err := exec.LookPath("bwrap")
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, path, "--ro-bind", "/", "/", "--unshare-all", "true").Run() == nil
}

func detectShell() string {
	for _, sh := range []string{"/bin/bash", "/bin/sh"} {
		if _, err := os.Stat(sh); err == nil {
			return sh
		}
	}
	return "sh"
}

// Enabled reports whether commands may run at all.
func (e *Executor) Enabled() bool {
	return e.cfg.Enabled
}

// Sandboxed reports whether commands run under OS isolation.
func (e *Executor) Sandboxed() bool {
	return e.backend != BackendNone
}

func (e *Executor) Backend() Backend {
	return e.backend
}

func (e *Executor) Config() Config {
	return e.cfg
}

// Run executes command with the configured timeout. Exceeding the timeout
// kills the whole process group and sets TimedOut; it is not an error.
// Cancelling ctx stops the command and returns ctx's error alongside the
// partial result.
func (e *Executor) Run(ctx context.Context, command string) (Result, error) {
	return e.RunTimeout(ctx, command, e.cfg.Timeout)
}

// RunTimeout is Run with a per-command timeout; zero means the configured one.
func (e *Executor) RunTimeout(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	if !e.cfg.Enabled {
		return Result{}, ErrDisabled
	}
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd, err := e.command(runCtx, command)
	if err != nil {
		return Result{}, err
	}
	stdout := newCappedBuffer(e.cfg.MaxOutputBytes)
	stderr := newCappedBuffer(e.cfg.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureProcess(cmd)
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	runErr := cmd.Run()

	result := Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		TimedOut:  runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil,
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Sandboxed: e.Sandboxed(),
	}
	if cmd.ProcessState != nil {
		if code := cmd.ProcessState.ExitCode(); code >= 0 {
			result.ExitCode = &code
		}
	}
	slog.Debug("command finished", "backend", e.backend, "duration", time.Since(start), "timed_out", result.TimedOut, "exit_code", result.ExitCode)

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if runErr != nil && cmd.ProcessState == nil {
		return result, fmt.Errorf("start command: %w", runErr)
	}
	return result, nil
}

func (e *Executor) command(ctx context.Context, command string) (*exec.Cmd, error) {
	var cmd *exec.Cmd
	switch e.backend {
	case BackendBubblewrap:
		cmd = exec.CommandContext(ctx, "bwrap", bubblewrapArgs(e.cfg, command)...)
	case BackendSandboxExec:
		profile, err := sandboxProfile(e.cfg)
		if err != nil {
			return nil, err
		}
		cmd = exec.CommandContext(ctx, "sandbox-exec", "-p", profile, "/bin/bash", "-c", command)
		cmd.Dir = e.cfg.WorkspaceDir
	default:
		cmd = exec.CommandContext(ctx, e.shell, "-c", command)
		cmd.Dir = e.cfg.WorkspaceDir
	}
	return cmd, nil
}
