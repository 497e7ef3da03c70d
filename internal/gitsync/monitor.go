package gitsync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/loykin/opsgate/internal/metrics"
)

const (
	DefaultInterval = 5 * time.Minute
	MinInterval     = time.Minute
	// MaxPendingCommits caps the commit summaries attached to an update prompt.
	MaxPendingCommits = 5
)

// Monitor polls a working copy for upstream changes and reports each divergence
// episode once: the first check that sees Behind > 0 notifies listeners, later
// checks stay quiet until the copy is back in sync or updates are applied.
//
// Overlapping ticks are skipped while a check is still running.
type Monitor struct {
	backend  Backend
	clock    clockwork.Clock
	interval time.Duration
	logger   *slog.Logger

	checking atomic.Bool

	mu        sync.Mutex
	ticker    clockwork.Ticker
	quit      chan struct{}
	notified  bool
	last      Status
	hasLast   bool
	listeners []func(Status)
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithInterval sets the poll period; values under MinInterval are raised to it.
func WithInterval(d time.Duration) Option { return func(m *Monitor) { m.interval = d } }

func WithClock(c clockwork.Clock) Option { return func(m *Monitor) { m.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.logger = l } }

func NewMonitor(backend Backend, opts ...Option) *Monitor {
	m := &Monitor{
		backend:  backend,
		clock:    clockwork.NewRealClock(),
		interval: DefaultInterval,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.interval < MinInterval {
		m.interval = MinInterval
	}
	return m
}

// Interval returns the effective poll period.
func (m *Monitor) Interval() time.Duration { return m.interval }

// Subscribe registers a listener for update-available events. Listeners run on
// the checking goroutine.
func (m *Monitor) Subscribe(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Notified reports whether the current divergence episode was already announced.
func (m *Monitor) Notified() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notified
}

// LastStatus returns the status of the most recent successful check.
func (m *Monitor) LastStatus() (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.hasLast
}

// Start launches the poll loop with one immediate check. Calling it on a running
// monitor does nothing.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ticker != nil {
		return
	}
	m.logger.Info("Starting git monitor", "interval", m.interval)
	m.ticker = m.clock.NewTicker(m.interval)
	m.quit = make(chan struct{})
	go m.loop(m.ticker, m.quit)
}

// Stop cancels the recurring schedule. A check already running is left to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ticker == nil {
		return
	}
	m.ticker.Stop()
	close(m.quit)
	m.ticker = nil
	m.quit = nil
}

func (m *Monitor) loop(t clockwork.Ticker, quit chan struct{}) {
	m.tick()
	for {
		select {
		case <-quit:
			return
		case <-t.Chan():
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	if !m.checking.CompareAndSwap(false, true) {
		m.logger.Debug("Skipping git check, previous one still running")
		return
	}
	go func() {
		defer m.checking.Store(false)
		_, _ = m.CheckForRemoteChanges(context.Background())
	}()
}

// CheckForRemoteChanges fetches and compares the working copy with its upstream.
// Failures are logged and returned; the poll loop ignores them and retries on the
// next tick.
func (m *Monitor) CheckForRemoteChanges(ctx context.Context) (Status, error) {
	if err := m.backend.Fetch(ctx); err != nil {
		return Status{}, m.checkFailed(stageErr(StageFetch, err))
	}
	st, err := m.backend.Status(ctx)
	if err != nil {
		return Status{}, m.checkFailed(stageErr(StageStatus, err))
	}
	st.CheckedAt = m.clock.Now()

	m.mu.Lock()
	m.last, m.hasLast = st, true
	emit := false
	if st.Behind > 0 && !m.notified {
		m.notified = true
		emit = true
	} else if st.Behind == 0 {
		m.notified = false
	}
	listeners := append([]func(Status){}, m.listeners...)
	m.mu.Unlock()

	metrics.IncSyncCheck(true)
	metrics.SetBehind(st.Behind)

	if emit {
		m.logger.Info("Remote updates detected", "branch", st.Current, "tracking", st.Tracking, "behind", st.Behind)
		metrics.IncUpdateAvailable()
		for _, fn := range listeners {
			fn(st)
		}
	}
	return st, nil
}

func (m *Monitor) checkFailed(err error) error {
	metrics.IncSyncCheck(false)
	m.logger.Error("Failed to check for remote git updates", "error", err)
	return err
}

// ApplyRemoteUpdates runs fetch, pull and push in that order. The first failing
// stage aborts the sequence and is returned as a *StageError; the notification
// flag is only reset on success.
func (m *Monitor) ApplyRemoteUpdates(ctx context.Context) (ApplyResult, error) {
	var res ApplyResult
	if err := m.backend.Fetch(ctx); err != nil {
		return res, m.applyFailed(StageFetch, err)
	}
	pull, err := m.backend.Pull(ctx)
	if err != nil {
		return res, m.applyFailed(StagePull, err)
	}
	res.Pull = pull
	push, err := m.backend.Push(ctx)
	if err != nil {
		return res, m.applyFailed(StagePush, err)
	}
	res.Push = push

	m.mu.Lock()
	m.notified = false
	m.mu.Unlock()

	metrics.IncApply(string(StagePush), true)
	m.logger.Info("Applied remote git updates", "changes", pull.Changes, "insertions", pull.Insertions, "deletions", pull.Deletions, "pushed", push.Pushed)
	return res, nil
}

func (m *Monitor) applyFailed(stage Stage, err error) error {
	metrics.IncApply(string(stage), false)
	se := stageErr(stage, err)
	m.logger.Error("Failed to apply remote git updates", "stage", stage, "error", err)
	return se
}

// PendingCommitSummaries lists the upstream commits missing locally, newest
// first and at most MaxPendingCommits. It returns nothing when there is no
// upstream, nothing to pull, or the log cannot be read.
func (m *Monitor) PendingCommitSummaries(ctx context.Context, st Status) []Commit {
	if st.Tracking == "" || st.Behind == 0 {
		return nil
	}
	from := st.Current
	if from == "" {
		from = "HEAD"
	}
	commits, err := m.backend.Log(ctx, from, st.Tracking, MaxPendingCommits)
	if err != nil {
		m.logger.Warn("Failed to load pending commit summaries", "error", stageErr(StageLog, err))
		return nil
	}
	if len(commits) > MaxPendingCommits {
		commits = commits[:MaxPendingCommits]
	}
	return commits
}
