package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/loykin/opsgate/internal/gitsync"
	"github.com/loykin/opsgate/internal/history"
	"github.com/loykin/opsgate/internal/session"
)

// Process exit codes understood by the launcher.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitRestart = 5
)

// Signal is a process-level request produced by an approved action.
type Signal int

const (
	SignalRestart Signal = iota + 1
	SignalShutdown
)

func (s Signal) String() string {
	switch s {
	case SignalRestart:
		return "restart"
	case SignalShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// ExitCode maps the signal to the worker's exit status.
func (s Signal) ExitCode() int {
	if s == SignalRestart {
		return ExitRestart
	}
	return ExitOK
}

// UpdatePrompt is what a notifier shows when the working copy falls behind.
type UpdatePrompt struct {
	Status  gitsync.Status   `json:"status"`
	Commits []gitsync.Commit `json:"commits"`
}

// Notifier delivers prompts and outcomes to operators. Handles are opaque
// references to a delivered prompt (a message id, for example).
type Notifier interface {
	NotifyUpdate(ctx context.Context, p UpdatePrompt) (string, error)
	PromptExists(ctx context.Context, handle string) bool
	NotifyOutcome(ctx context.Context, o session.Outcome)
}

// SessionNotifier is implemented by notifiers that present confirm and cancel
// buttons for a pending session. The returned handle is attached to the session.
type SessionNotifier interface {
	NotifySession(ctx context.Context, p SessionPrompt) (string, error)
}

// Syncer is the part of gitsync.Monitor the controller drives.
type Syncer interface {
	Subscribe(fn func(gitsync.Status))
	PendingCommitSummaries(ctx context.Context, st gitsync.Status) []gitsync.Commit
	ApplyRemoteUpdates(ctx context.Context) (gitsync.ApplyResult, error)
}

// Controller connects the sync monitor and the session manager to a notifier
// and turns approvals into process signals.
//
// At most one update prompt is live at a time; a new divergence episode reuses
// the existing prompt while the notifier still has it.
type Controller struct {
	syncer   Syncer
	sessions *session.Manager
	notifier Notifier
	sink     history.Sink
	clock    clockwork.Clock
	logger   *slog.Logger
	timeout  time.Duration

	mu      sync.Mutex
	prompt  string
	gen     uint64 // bumped whenever the prompt is cleared
	sending bool

	signals chan Signal
}

type Option func(*Controller)

// WithHistory exports every session outcome and sync episode to sink.
func WithHistory(sink history.Sink) Option { return func(c *Controller) { c.sink = sink } }

func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.logger = l } }

func WithClock(clk clockwork.Clock) Option { return func(c *Controller) { c.clock = clk } }

// WithTimeout bounds notifier and history calls made from background events.
func WithTimeout(d time.Duration) Option { return func(c *Controller) { c.timeout = d } }

// New wires the controller. syncer may be nil when git monitoring is disabled.
func New(syncer Syncer, sessions *session.Manager, notifier Notifier, opts ...Option) *Controller {
	c := &Controller{
		syncer:   syncer,
		sessions: sessions,
		notifier: notifier,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		timeout:  30 * time.Second,
		signals:  make(chan Signal, 1),
	}
	for _, o := range opts {
		o(c)
	}

	if syncer != nil {
		syncer.Subscribe(c.handleUpdate)
	}
	sessions.OnBegun(c.handleBegin)
	sessions.OnResolved(c.handleOutcome)
	sessions.OnApproved(session.ActionRestart, func(session.Outcome) { c.Request(SignalRestart) })
	sessions.OnApproved(session.ActionShutdown, func(session.Outcome) { c.Request(SignalShutdown) })
	return c
}

// Signals delivers at most one pending process signal.
func (c *Controller) Signals() <-chan Signal { return c.signals }

// Request queues sig unless another signal is already pending.
func (c *Controller) Request(sig Signal) bool {
	select {
	case c.signals <- sig:
		c.logger.Info("Process signal requested", "signal", sig)
		return true
	default:
		c.logger.Warn("Process signal dropped, another one is pending", "signal", sig)
		return false
	}
}

// PromptHandle returns the live update prompt, if any.
func (c *Controller) PromptHandle() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prompt
}

// handleUpdate calls the notifier without holding mu. One update notification
// is in flight at a time; a prompt cleared meanwhile is not stored.
func (c *Controller) handleUpdate(st gitsync.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	c.mu.Lock()
	if c.sending {
		c.mu.Unlock()
		c.logger.Debug("Update notification already in flight")
		return
	}
	c.sending = true
	handle, gen := c.prompt, c.gen
	c.mu.Unlock()

	if handle != "" && c.notifier.PromptExists(ctx, handle) {
		c.logger.Debug("Update prompt already live", "handle", handle)
		c.settle(gen, handle)
		return
	}

	p := UpdatePrompt{Status: st}
	if c.syncer != nil {
		p.Commits = c.syncer.PendingCommitSummaries(ctx, st)
	}
	handle, err := c.notifier.NotifyUpdate(ctx, p)
	if err != nil {
		c.settle(gen, "")
		c.logger.Error("Failed to send update notification", "error", err)
		return
	}
	if !c.settle(gen, handle) {
		c.logger.Info("Update prompt cleared while sending, not tracking it", "handle", handle)
		return
	}
	c.logger.Info("Update notification sent", "handle", handle, "behind", st.Behind)
	c.record(ctx, history.Event{
		Kind:    history.KindSync,
		Action:  "update",
		Outcome: history.OutcomeUpdateAvailable,
		Detail:  fmt.Sprintf("%s is %d behind %s", orDefault(st.Current, "HEAD"), st.Behind, st.Tracking),
	})
}

// settle ends an in-flight update and stores handle unless the prompt was
// cleared since gen was read.
func (c *Controller) settle(gen uint64, handle string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sending = false
	if c.gen != gen {
		return false
	}
	c.prompt = handle
	return true
}

// ConfirmUpdate applies upstream changes and, on success, clears the prompt and
// requests a restart so the new code is loaded.
func (c *Controller) ConfirmUpdate(ctx context.Context, actor session.Actor) (gitsync.ApplyResult, error) {
	if c.syncer == nil {
		return gitsync.ApplyResult{}, fmt.Errorf("git monitoring is disabled")
	}
	res, err := c.syncer.ApplyRemoteUpdates(ctx)
	if err != nil {
		c.record(ctx, history.Event{
			Kind: history.KindSync, Action: "update", Outcome: history.OutcomeApplyFailed,
			ActorID: actor.ID, ActorLabel: actor.Label, Reason: err.Error(),
		})
		return res, err
	}

	c.clearPrompt()
	c.record(ctx, history.Event{
		Kind: history.KindSync, Action: "update", Outcome: history.OutcomeApplied,
		ActorID: actor.ID, ActorLabel: actor.Label,
		Detail: fmt.Sprintf("pulled %d changes, pushed=%t", res.Pull.Changes, res.Push.Pushed),
	})
	c.logger.Info("Update approved", "by", actor.Label)
	c.Request(SignalRestart)
	return res, nil
}

// DismissUpdate drops the live prompt. The monitor stays quiet until the
// current divergence episode ends.
func (c *Controller) DismissUpdate(ctx context.Context, actor session.Actor) {
	c.clearPrompt()
	c.logger.Info("Update dismissed", "by", actor.Label)
	c.record(ctx, history.Event{
		Kind: history.KindSync, Action: "update", Outcome: history.OutcomeDismissed,
		ActorID: actor.ID, ActorLabel: actor.Label,
	})
}

func (c *Controller) clearPrompt() {
	c.mu.Lock()
	c.prompt = ""
	c.gen++
	c.mu.Unlock()
}

func (c *Controller) handleBegin(s session.Session) {
	sn, ok := c.notifier.(SessionNotifier)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	confirm, dismiss := s.CallbackIDs()
	handle, err := sn.NotifySession(ctx, SessionPrompt{Session: s, Confirm: confirm, Cancel: dismiss})
	if err != nil {
		c.logger.Error("Failed to send confirmation prompt", "id", s.ID, "action", s.Action, "error", err)
		return
	}
	if err := c.sessions.AttachHandle(s.ID, handle); err != nil {
		c.logger.Debug("Session resolved before its prompt was attached", "id", s.ID, "handle", handle)
	}
}

func (c *Controller) handleOutcome(o session.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	c.notifier.NotifyOutcome(ctx, o)

	e := history.Event{
		Kind:       history.KindSession,
		OccurredAt: o.At,
		Action:     string(o.Session.Action),
		Outcome:    string(o.Status),
		Reason:     o.Reason,
		Detail:     "session " + o.Session.ID,
	}
	if o.Actor != nil {
		e.ActorID, e.ActorLabel = o.Actor.ID, o.Actor.Label
	}
	c.record(ctx, e)
}

func (c *Controller) record(ctx context.Context, e history.Event) {
	if c.sink == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = c.clock.Now()
	}
	if err := c.sink.Send(ctx, e); err != nil {
		c.logger.Warn("Failed to export history event", "kind", e.Kind, "action", e.Action, "error", err)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
