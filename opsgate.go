package opsgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/opsgate/internal/auth"
	cfg "github.com/loykin/opsgate/internal/config"
	"github.com/loykin/opsgate/internal/control"
	"github.com/loykin/opsgate/internal/gitsync"
	"github.com/loykin/opsgate/internal/history"
	"github.com/loykin/opsgate/internal/history/factory"
	"github.com/loykin/opsgate/internal/launcher"
	"github.com/loykin/opsgate/internal/metrics"
	"github.com/loykin/opsgate/internal/server"
	"github.com/loykin/opsgate/internal/session"
	apitls "github.com/loykin/opsgate/internal/tls"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type (
	Action    = session.Action
	Actor     = session.Actor
	Session   = session.Session
	Outcome   = session.Outcome
	Durations = session.Durations
)

type (
	SyncStatus  = gitsync.Status
	Commit      = gitsync.Commit
	ApplyResult = gitsync.ApplyResult
	Backend     = gitsync.Backend
)

type (
	Signal          = control.Signal
	Notifier        = control.Notifier
	UpdatePrompt    = control.UpdatePrompt
	SessionNotifier = control.SessionNotifier
	SessionPrompt   = control.SessionPrompt
)

type HistorySink = history.Sink

const (
	ActionRestart  = session.ActionRestart
	ActionShutdown = session.ActionShutdown

	SignalRestart  = control.SignalRestart
	SignalShutdown = control.SignalShutdown

	ExitOK      = control.ExitOK
	ExitFailure = control.ExitFailure
	ExitRestart = control.ExitRestart
)

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// DescribeOutcome renders o as one line for chat or logs.
func DescribeOutcome(o Outcome) string { return control.DescribeOutcome(o) }

// Launch supervises a worker until it stops; see launcher.Run.
func Launch(ctx context.Context, c launcher.Config) error { return launcher.Run(ctx, c) }

// Daemon wires the sync monitor, the session manager, the controller, the
// history sinks and the HTTP API from one Config.
type Daemon struct {
	cfg    *Config
	logger *slog.Logger
	clock  clockwork.Clock

	Sessions   *session.Manager
	Monitor    *gitsync.Monitor // nil when git monitoring is disabled
	Controller *control.Controller

	backend  gitsync.Backend
	notifier control.Notifier
	history  history.Multi
	router   *server.Router

	api     *http.Server
	metrics *http.Server
}

type DaemonOption func(*Daemon)

// WithNotifier replaces the log notifier, e.g. with a chat integration.
func WithNotifier(n Notifier) DaemonOption { return func(d *Daemon) { d.notifier = n } }

// WithBackend replaces the git working copy backend.
func WithBackend(b Backend) DaemonOption { return func(d *Daemon) { d.backend = b } }

func WithClock(c clockwork.Clock) DaemonOption { return func(d *Daemon) { d.clock = c } }

// NewDaemon builds every component but starts nothing.
func NewDaemon(c *Config, logger *slog.Logger, opts ...DaemonOption) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{cfg: c, logger: logger, clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(d)
	}

	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	sinks, err := factory.NewSinks(c.History.DSNs)
	if err != nil {
		return nil, err
	}
	d.history = sinks

	d.Sessions = session.NewManager(
		session.WithClock(d.clock),
		session.WithDurations(c.Sessions),
		session.WithLogger(logger.With("component", "sessions")),
	)

	var syncer control.Syncer
	if err := d.buildMonitor(); err != nil {
		d.Sessions.Close()
		_ = d.history.Close()
		return nil, err
	}
	if d.Monitor != nil {
		syncer = d.Monitor
	}

	if d.notifier == nil {
		d.notifier = control.NewLogNotifier(logger.With("component", "notifier", "channel", c.Notify.Channel))
	}
	ctlOpts := []control.Option{
		control.WithLogger(logger.With("component", "control")),
		control.WithClock(d.clock),
	}
	if len(d.history) > 0 {
		ctlOpts = append(ctlOpts, control.WithHistory(d.history))
	}
	if c.History.Timeout > 0 {
		ctlOpts = append(ctlOpts, control.WithTimeout(c.History.Timeout))
	}
	d.Controller = control.New(syncer, d.Sessions, d.notifier, ctlOpts...)

	routerOpts := []server.Option{
		server.WithOwners(c.Server.Owners),
		server.WithLogger(logger.With("component", "api")),
		server.WithClock(d.clock),
	}
	if d.Monitor != nil {
		routerOpts = append(routerOpts, server.WithSync(d.Monitor, d.Controller))
	}
	if r, ok := d.history.Reader(); ok {
		routerOpts = append(routerOpts, server.WithHistory(r))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		routerOpts = append(routerOpts, server.WithMetrics())
	}
	if c.Server.Auth.Enabled {
		svc, err := auth.NewService(c.Server.Auth.Secret, auth.WithClock(d.clock))
		if err != nil {
			d.Sessions.Close()
			_ = d.history.Close()
			return nil, err
		}
		routerOpts = append(routerOpts, server.WithAuth(svc))
	}
	d.router = server.NewRouter(d.Sessions, c.Server.BasePath, routerOpts...)
	return d, nil
}

// buildMonitor leaves Monitor nil when git is disabled or no notification
// channel is configured.
func (d *Daemon) buildMonitor() error {
	c := d.cfg
	if !c.Git.Enabled {
		d.logger.Info("Git monitoring disabled by configuration")
		return nil
	}
	if c.Notify.Channel == "" {
		d.logger.Warn("No update channel configured; git update notifications are disabled")
		return nil
	}
	if d.backend == nil {
		b, err := gitsync.NewGitBackend(c.Git.RepoPath, c.Git.Remote)
		if err != nil {
			return err
		}
		d.backend = b
	}
	d.Monitor = gitsync.NewMonitor(d.backend,
		gitsync.WithInterval(c.Git.Interval()),
		gitsync.WithClock(d.clock),
		gitsync.WithLogger(d.logger.With("component", "gitsync")),
	)
	return nil
}

// Handler returns the HTTP API without binding a listener.
func (d *Daemon) Handler() http.Handler { return d.router.Handler() }

// APIAddr is the bound API address once Start has returned.
func (d *Daemon) APIAddr() string {
	if d.api == nil {
		return ""
	}
	return d.api.Addr
}

// Start binds the listeners and starts polling.
func (d *Daemon) Start() error {
	tlsCfg, err := apitls.Setup(d.cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	api, err := server.NewServer(d.cfg.Server.Listen, d.router, tlsCfg)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Server.Listen, err)
	}
	d.api = api
	d.logger.Info("API listening", "addr", api.Addr, "base_path", d.cfg.Server.BasePath, "tls", tlsCfg != nil)

	if d.cfg.Metrics.Enabled && d.cfg.Metrics.Listen != "" {
		ms, err := serveMetrics(d.cfg.Metrics.Listen, d.logger)
		if err != nil {
			_ = d.api.Close()
			return fmt.Errorf("metrics listen %s: %w", d.cfg.Metrics.Listen, err)
		}
		d.metrics = ms
		d.logger.Info("Metrics listening", "addr", ms.Addr)
	}

	if d.Monitor != nil {
		d.Monitor.Start()
	}
	return nil
}

// Run starts the daemon and blocks until ctx is done or an approved action
// asks the process to exit. It returns the exit status the launcher expects.
func (d *Daemon) Run(ctx context.Context) (int, error) {
	if err := d.Start(); err != nil {
		return ExitFailure, err
	}
	return d.Wait(ctx), nil
}

// Wait blocks on a started daemon until ctx is done or a process signal
// arrives, then closes it and returns the exit status.
func (d *Daemon) Wait(ctx context.Context) int {
	defer func() {
		if err := d.Close(); err != nil {
			d.logger.Warn("Shutdown finished with errors", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
		d.logger.Info("Shutting down")
		return ExitOK
	case sig := <-d.Controller.Signals():
		d.logger.Info("Exiting on request", "signal", sig, "code", sig.ExitCode())
		return sig.ExitCode()
	}
}

// Close stops polling, drains the HTTP servers and closes the history sinks.
func (d *Daemon) Close() error {
	if d.Monitor != nil {
		d.Monitor.Stop()
	}
	d.Sessions.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for _, s := range []*http.Server{d.api, d.metrics} {
		if s == nil {
			continue
		}
		if err := s.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.history.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func serveMetrics(addr string, logger *slog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped", "error", err)
		}
	}()
	return srv, nil
}
