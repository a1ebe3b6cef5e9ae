package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/mattjoyce/procbridge/internal/log"
)

const (
	// DefaultTimeout is the per-call ceiling when none is configured.
	DefaultTimeout = 30 * time.Second

	// DefaultKillGrace is the time we wait after SIGTERM before sending SIGKILL.
	DefaultKillGrace = 2 * time.Second

	// maxStderrBytes caps the amount of stderr captured from a worker.
	maxStderrBytes = 64 * 1024

	// defaultMaxStdoutBytes caps the stdout tail kept per call.
	defaultMaxStdoutBytes = 8 * 1024 * 1024

	// pipeDrainDelay bounds how long Wait keeps reading pipes that a worker's
	// own children hold open after the worker itself has exited.
	pipeDrainDelay = 2 * time.Second
)

// Config controls how workers are started.
type Config struct {
	// Dir is the working directory for every worker. Empty means inherit.
	Dir string
	// Env is appended to the host environment ("KEY=value").
	Env []string
	// KillGrace is the SIGTERM → SIGKILL delay. Zero kills immediately.
	KillGrace      time.Duration
	MaxStdoutBytes int
}

// Spec describes one invocation.
type Spec struct {
	ID      string
	Argv    []string
	Timeout time.Duration
	// OnStart, when set, is called with the worker PID once it is running.
	OnStart func(pid int)
}

// RawOutput is everything one worker process produced. It is frozen when Run
// returns.
type RawOutput struct {
	Stdout          []byte
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	ExitCode        int
	PID             int
	TimedOut        bool
	// Canceled is set when the host context ended before the worker did.
	Canceled bool
	// StartErr is set when the process never ran.
	StartErr  error
	StartedAt time.Time
	Duration  time.Duration
}

// Supervisor starts workers. It holds configuration only; every Run is
// independent.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Supervisor.
func New(cfg Config, logger *slog.Logger) *Supervisor {
	if cfg.MaxStdoutBytes <= 0 {
		cfg.MaxStdoutBytes = defaultMaxStdoutBytes
	}
	if cfg.KillGrace < 0 {
		cfg.KillGrace = 0
	}
	if logger == nil {
		logger = log.WithComponent("dispatch")
	}
	return &Supervisor{cfg: cfg, logger: logger}
}

// Run spawns spec.Argv, waits for it to exit or time out, and returns what it
// printed. It blocks until the process has been reaped.
func (s *Supervisor) Run(ctx context.Context, spec Spec) RawOutput {
	out := RawOutput{ExitCode: -1, StartedAt: time.Now()}
	logger := s.logger
	if spec.ID != "" {
		logger = logger.With("invocation_id", spec.ID)
	}

	if len(spec.Argv) == 0 || spec.Argv[0] == "" {
		out.StartErr = errors.New("empty argument vector")
		return out
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// Don't use CommandContext: termination is managed here so the whole
	// process group gets the grace period.
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = s.cfg.Dir
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	cmd.WaitDelay = pipeDrainDelay
	setProcessGroup(cmd)

	stdout := newTailBuffer(s.cfg.MaxStdoutBytes)
	stderr := newHeadBuffer(maxStderrBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.Debug("spawning worker", "path", spec.Argv[0], "args", len(spec.Argv)-1, "timeout", timeout)

	if err := cmd.Start(); err != nil {
		out.StartErr = fmt.Errorf("start process: %w", err)
		out.Duration = time.Since(out.StartedAt)
		return out
	}
	out.PID = cmd.Process.Pid
	if spec.OnStart != nil {
		spec.OnStart(out.PID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var err error
	select {
	case <-timer.C:
		logger.Warn("worker timed out, terminating", "pid", out.PID, "timeout", timeout)
		out.TimedOut = true
		err = s.terminate(cmd, waitErr, logger)
	case <-ctx.Done():
		logger.Warn("host context done, terminating worker", "pid", out.PID, "error", ctx.Err())
		out.Canceled = true
		err = s.terminate(cmd, waitErr, logger)
	case err = <-waitErr:
	}

	out.Duration = time.Since(out.StartedAt)
	out.Stdout = stdout.Bytes()
	out.StdoutTruncated = stdout.truncated
	out.Stderr = stderr.String()
	out.StderrTruncated = stderr.truncated
	out.ExitCode = exitCode(cmd, err)

	if err != nil && !out.TimedOut && !out.Canceled {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logger.Warn("worker exited with non-zero status", "pid", out.PID, "exit_code", out.ExitCode)
		} else if !errors.Is(err, exec.ErrWaitDelay) {
			logger.Error("wait for worker", "pid", out.PID, "error", err)
		}
	}
	return out
}

// terminate sends SIGTERM to the worker's process group, waits out the grace
// period, then sends SIGKILL. It returns the Wait error once the process has
// been reaped.
func (s *Supervisor) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) error {
	if s.cfg.KillGrace == 0 {
		if err := killGroup(cmd); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		return <-waitErr
	}

	if err := signalGroup(cmd); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(s.cfg.KillGrace)
	defer grace.Stop()

	select {
	case err := <-waitErr:
		logger.Info("worker exited after SIGTERM")
		// Children that ignored SIGTERM would otherwise outlive the call.
		_ = killGroup(cmd)
		return err
	case <-grace.C:
		logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
		if err := killGroup(cmd); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		return <-waitErr
	}
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err == nil {
		return 0
	}
	return -1
}
