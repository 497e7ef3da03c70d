package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/loykin/opsgate/internal/control"
	"github.com/loykin/opsgate/internal/env"
)

// Config describes the worker process the launcher supervises.
type Config struct {
	Command string
	Args    []string
	Env     []string // overlaid on the launcher's environment, with $VAR expansion
	Dir     string

	Stdout io.Writer
	Stderr io.Writer

	// RestartDelay is waited between a restart request and the next spawn.
	RestartDelay time.Duration
	// StopGrace is how long a worker may take to exit after an interrupt
	// before it is killed.
	StopGrace time.Duration

	Logger *slog.Logger
}

// ExitError reports a worker that exited with an unexpected status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("worker exited with code %d", e.Code)
}

// Run starts the worker and keeps it running across restart requests.
//
// Exit status 5 spawns a new worker, 0 ends Run with nil and anything else ends
// it with *ExitError. Cancelling ctx interrupts the worker and waits for it;
// a worker that then exits with 0 or 5 counts as a clean stop.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Command == "" {
		return errors.New("launcher: command is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}

	for generation := 1; ; generation++ {
		code, stopped, err := runOnce(ctx, cfg, generation)
		if err != nil {
			return err
		}
		if stopped {
			if code == control.ExitOK || code == control.ExitRestart {
				cfg.Logger.Info("Worker stopped on request", "code", code)
				return nil
			}
			return &ExitError{Code: code}
		}

		switch code {
		case control.ExitRestart:
			cfg.Logger.Info("Restart requested, spawning a new worker")
			if cfg.RestartDelay > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(cfg.RestartDelay):
				}
			}
		case control.ExitOK:
			cfg.Logger.Info("Worker stopped gracefully")
			return nil
		default:
			cfg.Logger.Error("Worker exited", "code", code)
			return &ExitError{Code: code}
		}
	}
}

// runOnce runs a single worker and returns its exit code. stopped is true when
// the worker ended because ctx was cancelled.
func runOnce(ctx context.Context, cfg Config, generation int) (int, bool, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = env.Merge(os.Environ(), cfg.Env)
	cmd.Stdin = os.Stdin
	cmd.Stdout = cfg.Stdout
	cmd.Stderr = cfg.Stderr

	if err := cmd.Start(); err != nil {
		return 0, false, fmt.Errorf("failed to start worker: %w", err)
	}
	cfg.Logger.Info("Worker started", "pid", cmd.Process.Pid, "generation", generation)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return exitCode(err), false, nil
	case <-ctx.Done():
	}

	cfg.Logger.Info("Stopping worker", "pid", cmd.Process.Pid)
	if err := interrupt(cmd.Process); err != nil {
		_ = cmd.Process.Kill()
	}
	select {
	case err := <-done:
		return exitCode(err), true, nil
	case <-time.After(cfg.StopGrace):
		cfg.Logger.Warn("Worker did not stop in time, killing", "pid", cmd.Process.Pid, "grace", cfg.StopGrace)
		_ = cmd.Process.Kill()
		return exitCode(<-done), true, nil
	}
}

func exitCode(err error) int {
	if err == nil {
		return control.ExitOK
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if code := ee.ExitCode(); code >= 0 {
			return code
		}
	}
	return control.ExitFailure
}
