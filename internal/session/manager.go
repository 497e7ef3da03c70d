package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/loykin/opsgate/internal/metrics"
)

const expiredReason = "No response before the session expired."

// Manager gates privileged actions behind a single time-boxed confirmation per
// action, and applies a cooldown after every resolution.
//
// All index mutations happen under mu. Removing a session from the pending
// index is the only way a session leaves pending, so resolve, cancel and the
// expiry timer race safely: the first one to remove it wins and the others
// observe ErrNotFound.
type Manager struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	durations Durations
	newID     func() string
	logger    *slog.Logger

	actions   map[Action]struct{}
	sessions  map[string]*entry // global index: id -> live session
	pending   map[Action]string // per-action index: action -> id
	cooldowns map[Action]time.Time
	history   map[Action]HistoryRecord

	hooks     map[Action][]func(Outcome)
	observers []func(Outcome)
	openers   []func(Session)
}

type entry struct {
	session Session
	timer   clockwork.Timer
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock; tests pass a clockwork fake clock.
func WithClock(c clockwork.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithDurations overrides the session window and cooldowns. Zero fields keep defaults.
func WithDurations(d Durations) Option { return func(m *Manager) { m.durations = d.withDefaults() } }

// WithIDGenerator replaces the uuid-based session id generator.
func WithIDGenerator(fn func() string) Option { return func(m *Manager) { m.newID = fn } }

// WithLogger sets the logger used for session lifecycle messages.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// NewManager returns a manager that knows the restart and shutdown actions.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		clock:     clockwork.NewRealClock(),
		durations: DefaultDurations(),
		newID:     func() string { return uuid.NewString() },
		logger:    slog.Default(),
		actions:   map[Action]struct{}{ActionRestart: {}, ActionShutdown: {}},
		sessions:  make(map[string]*entry),
		pending:   make(map[Action]string),
		cooldowns: make(map[Action]time.Time),
		history:   make(map[Action]HistoryRecord),
		hooks:     make(map[Action][]func(Outcome)),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// RegisterAction adds a privileged action to the accepted set.
func (m *Manager) RegisterAction(a Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[a] = struct{}{}
}

// Known reports whether a is an accepted action.
func (m *Manager) Known(a Action) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.actions[a]
	return ok
}

// OnApproved registers a hook invoked once each time a session for action is approved.
func (m *Manager) OnApproved(action Action, hook func(Outcome)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[action] = append(m.hooks[action], hook)
}

// OnResolved registers an observer invoked for every outcome, including expiry.
func (m *Manager) OnResolved(fn func(Outcome)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// OnBegun registers an observer invoked for every newly opened session, after
// the manager's lock is released.
func (m *Manager) OnBegun(fn func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openers = append(m.openers, fn)
}

// BeginSession opens a confirmation session for action.
// It fails with *CooldownError while the action is cooling down and with
// *ActiveSessionError (carrying the existing session) when one is pending.
func (m *Manager) BeginSession(action Action, actor Actor) (Session, error) {
	s, openers, err := m.begin(action, actor)
	if err != nil {
		return Session{}, err
	}
	for _, fn := range openers {
		fn(s)
	}
	return s, nil
}

func (m *Manager) begin(action Action, actor Actor) (Session, []func(Session), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.actions[action]; !ok {
		return Session{}, nil, ErrUnknownAction
	}
	now := m.clock.Now()
	if until, ok := m.cooldowns[action]; ok && now.Before(until) {
		metrics.IncSessionRejection(string(action), "cooldown")
		return Session{}, nil, &CooldownError{Action: action, Until: until}
	}
	if id, ok := m.pending[action]; ok {
		if e, live := m.sessions[id]; live {
			metrics.IncSessionRejection(string(action), "active")
			return Session{}, nil, &ActiveSessionError{Session: e.session}
		}
		delete(m.pending, action)
	}

	s := Session{
		ID:          m.newID(),
		Action:      action,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.durations.Session),
		RequestedBy: actor,
	}
	id := s.ID
	e := &entry{session: s}
	e.timer = m.clock.AfterFunc(m.durations.Session, func() { m.expire(id) })
	m.sessions[id] = e
	m.pending[action] = id

	metrics.IncSessionBegin(string(action))
	m.logger.Info("Session opened", "id", id, "action", action, "requested_by", actor.Label, "expires_at", s.ExpiresAt)
	return s, append([]func(Session){}, m.openers...), nil
}

// ResolveSession approves or cancels a pending session.
// A call that arrives after the deadline but before the expiry timer fired
// runs the expiry path itself and returns ErrExpired.
func (m *Manager) ResolveSession(id string, approved bool, actor Actor) (Outcome, error) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok || e.session.Status != StatusPending {
		m.mu.Unlock()
		return Outcome{}, ErrNotFound
	}
	now := m.clock.Now()
	if now.After(e.session.ExpiresAt) {
		out := m.finishLocked(e, StatusExpired, now, nil, expiredReason)
		m.mu.Unlock()
		m.dispatch(out)
		return Outcome{}, ErrExpired
	}
	status := StatusCancelled
	if approved {
		status = StatusApproved
	}
	a := actor
	out := m.finishLocked(e, status, now, &a, "")
	m.mu.Unlock()

	m.dispatch(out)
	return out, nil
}

// CancelSession cancels a pending session on behalf of actor with an optional reason.
func (m *Manager) CancelSession(id string, actor Actor, reason string) (Outcome, error) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok || e.session.Status != StatusPending {
		m.mu.Unlock()
		return Outcome{}, ErrNotFound
	}
	a := actor
	out := m.finishLocked(e, StatusCancelled, m.clock.Now(), &a, reason)
	m.mu.Unlock()

	m.dispatch(out)
	return out, nil
}

// expire is the timer-driven path; a session already resolved is left alone.
func (m *Manager) expire(id string) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok || e.session.Status != StatusPending {
		m.mu.Unlock()
		return
	}
	out := m.finishLocked(e, StatusExpired, m.clock.Now(), nil, expiredReason)
	m.mu.Unlock()

	m.dispatch(out)
}

// finishLocked removes e from both indexes and records the terminal state.
// mu must be held.
func (m *Manager) finishLocked(e *entry, status Status, now time.Time, actor *Actor, reason string) Outcome {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	action := e.session.Action
	delete(m.sessions, e.session.ID)
	if m.pending[action] == e.session.ID {
		delete(m.pending, action)
	}
	if CanTransition(e.session.Status, status) {
		e.session.Status = status
	}

	until := now.Add(m.durations.cooldownFor(status))
	m.cooldowns[action] = until
	m.history[action] = HistoryRecord{Action: action, Outcome: status, At: now, Actor: actor, Reason: reason}

	metrics.IncSessionResolution(string(action), string(status))
	return Outcome{
		Session:       e.session,
		Status:        status,
		Actor:         actor,
		At:            now,
		CooldownUntil: until,
		Reason:        reason,
	}
}

// dispatch runs observers and, for approvals, the action hooks. It is called
// without mu held so callbacks may call back into the manager.
func (m *Manager) dispatch(out Outcome) {
	m.mu.Lock()
	observers := append([]func(Outcome){}, m.observers...)
	var hooks []func(Outcome)
	if out.Status == StatusApproved {
		hooks = append(hooks, m.hooks[out.Session.Action]...)
	}
	m.mu.Unlock()

	by := ""
	if out.Actor != nil {
		by = out.Actor.Label
	}
	m.logger.Info("Session resolved", "id", out.Session.ID, "action", out.Session.Action, "outcome", out.Status, "by", by, "cooldown_until", out.CooldownUntil)

	for _, fn := range observers {
		fn(out)
	}
	for _, fn := range hooks {
		fn(out)
	}
}

// Get returns a live (pending) session by id.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return e.session, true
}

// Pending returns the pending session for action, if any.
func (m *Manager) Pending(action Action) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.pending[action]
	if !ok {
		return Session{}, false
	}
	e, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return e.session, true
}

// AttachHandle stores the notifier's reference on a pending session.
func (m *Manager) AttachHandle(id, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	e.session.Handle = handle
	return nil
}

// CooldownUntil returns the end of the action's cooldown; ok is false when none
// is in effect.
func (m *Manager) CooldownUntil(action Action) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.cooldowns[action]
	if !ok || !m.clock.Now().Before(until) {
		return time.Time{}, false
	}
	return until, true
}

// LastOutcome returns the most recent resolution recorded for action.
func (m *Manager) LastOutcome(action Action) (HistoryRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.history[action]
	return rec, ok
}

// Close stops every pending expiry timer. Pending sessions stay pending.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.sessions {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}
