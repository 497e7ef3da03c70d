package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/loykin/opsgate"
	"github.com/loykin/opsgate/internal/config"
	"github.com/loykin/opsgate/internal/launcher"
	"github.com/loykin/opsgate/internal/logger"
)

// exitError carries a process exit status out of a cobra command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

func loadRuntime(configPath string, console io.Writer) (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error loading config: %w", err)
	}
	l, closer, err := logger.New(cfg.Log, console)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error configuring logger: %w", err)
	}
	return cfg, l, closer, nil
}

// runServe runs the daemon in the foreground. A non-zero status (restart
// requested, for example) is returned as *exitError.
func runServe(ctx context.Context, configPath string, flags ServeFlags) error {
	cfg, l, closer, err := loadRuntime(configPath, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	if flags.Listen != "" {
		cfg.Server.Listen = flags.Listen
	}

	gin.SetMode(gin.ReleaseMode)
	d, err := opsgate.NewDaemon(cfg, l)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	code, err := d.Run(ctx)
	if err != nil {
		return err
	}
	if code != opsgate.ExitOK {
		return &exitError{code: code}
	}
	return nil
}

// runLaunch supervises a worker, by default "opsgate serve" with the same
// config, restarting it whenever it exits with the restart status.
func runLaunch(ctx context.Context, configPath string, flags LaunchFlags) error {
	cfg, l, closer, err := loadRuntime(configPath, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	lc, err := launchConfig(cfg, configPath, flags)
	if err != nil {
		return err
	}
	lc.Logger = l.With("component", "launcher")

	if flags.LogDir != "" {
		cfg.Log.File.Dir = flags.LogDir
	}
	outW, errW, err := cfg.Log.ProcessWriters("worker")
	if err != nil {
		return err
	}
	if outW != nil {
		defer func() { _ = outW.Close() }()
		lc.Stdout = outW
	}
	if errW != nil {
		defer func() { _ = errW.Close() }()
		lc.Stderr = errW
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err = opsgate.Launch(ctx, lc)
	var ee *launcher.ExitError
	if errors.As(err, &ee) {
		return &exitError{code: ee.Code, err: err}
	}
	return err
}

func launchConfig(cfg *config.Config, configPath string, flags LaunchFlags) (launcher.Config, error) {
	env, err := cfg.Launch.Environ()
	if err != nil {
		return launcher.Config{}, err
	}
	lc := launcher.Config{
		Command:      cfg.Launch.Command,
		Args:         cfg.Launch.Args,
		Dir:          cfg.Launch.Dir,
		Env:          env,
		RestartDelay: cfg.Launch.RestartDelay,
		StopGrace:    cfg.Launch.StopGrace,
	}
	if lc.Command == "" {
		self, err := os.Executable()
		if err != nil {
			return launcher.Config{}, fmt.Errorf("locate executable: %w", err)
		}
		lc.Command = self
		lc.Args = []string{"serve"}
		if configPath != "" {
			abs, err := filepath.Abs(configPath)
			if err != nil {
				return launcher.Config{}, err
			}
			lc.Args = append(lc.Args, "--config", abs)
		}
	}
	return lc, nil
}
