package session

import (
	"errors"
	"fmt"
	"time"
)

// Action names a privileged operation that must be confirmed before it runs.
type Action string

const (
	ActionRestart  Action = "restart"
	ActionShutdown Action = "shutdown"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusApproved:  true,
		StatusCancelled: true,
		StatusExpired:   true,
	},
}

// CanTransition reports whether a session may move from one status to another.
// Every status other than pending is terminal.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool { return len(transitions[s]) == 0 }

// Actor identifies who requested or resolved a session.
type Actor struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Session is one pending confirmation for a privileged action.
// Handle is an opaque reference owned by the notifier (a message id, for example);
// the manager stores it and hands it back, nothing more.
type Session struct {
	ID          string    `json:"id"`
	Action      Action    `json:"action"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	RequestedBy Actor     `json:"requested_by"`
	Handle      string    `json:"handle,omitempty"`
}

// Outcome describes how a session left pending.
// Actor is nil for expiry.
type Outcome struct {
	Session       Session   `json:"session"`
	Status        Status    `json:"status"`
	Actor         *Actor    `json:"actor,omitempty"`
	At            time.Time `json:"at"`
	CooldownUntil time.Time `json:"cooldown_until"`
	Reason        string    `json:"reason,omitempty"`
}

// HistoryRecord is the latest resolution kept per action for display.
type HistoryRecord struct {
	Action  Action    `json:"action"`
	Outcome Status    `json:"outcome"`
	At      time.Time `json:"at"`
	Actor   *Actor    `json:"actor,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// Durations configures the session window and the cooldowns applied per outcome.
type Durations struct {
	Session        time.Duration `json:"session" mapstructure:"session"`
	AfterApproved  time.Duration `json:"after_approved" mapstructure:"after_approved"`
	AfterCancelled time.Duration `json:"after_cancelled" mapstructure:"after_cancelled"`
	AfterExpired   time.Duration `json:"after_expired" mapstructure:"after_expired"`
}

// DefaultDurations returns a 60s session window and 5m/60s/90s cooldowns.
func DefaultDurations() Durations {
	return Durations{
		Session:        60 * time.Second,
		AfterApproved:  5 * time.Minute,
		AfterCancelled: 60 * time.Second,
		AfterExpired:   90 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultDurations.
func (d Durations) withDefaults() Durations {
	def := DefaultDurations()
	if d.Session <= 0 {
		d.Session = def.Session
	}
	if d.AfterApproved <= 0 {
		d.AfterApproved = def.AfterApproved
	}
	if d.AfterCancelled <= 0 {
		d.AfterCancelled = def.AfterCancelled
	}
	if d.AfterExpired <= 0 {
		d.AfterExpired = def.AfterExpired
	}
	return d
}

// cooldownFor returns the lockout that follows a terminal status.
func (d Durations) cooldownFor(s Status) time.Duration {
	switch s {
	case StatusApproved:
		return d.AfterApproved
	case StatusCancelled:
		return d.AfterCancelled
	default:
		return d.AfterExpired
	}
}

var (
	ErrCooldownActive       = errors.New("cooldown active")
	ErrSessionAlreadyActive = errors.New("session already active")
	ErrNotFound             = errors.New("session not found")
	ErrExpired              = errors.New("session expired")
	ErrUnknownAction        = errors.New("unknown action")
)

// CooldownError is returned by BeginSession while an action is locked out.
type CooldownError struct {
	Action Action
	Until  time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s: %s until %s", ErrCooldownActive, e.Action, e.Until.Format(time.RFC3339))
}

func (e *CooldownError) Unwrap() error { return ErrCooldownActive }

// ActiveSessionError is returned by BeginSession when the action already has a
// pending session; Session is that existing session.
type ActiveSessionError struct {
	Session Session
}

func (e *ActiveSessionError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", ErrSessionAlreadyActive, e.Session.Action, e.Session.ID)
}

func (e *ActiveSessionError) Unwrap() error { return ErrSessionAlreadyActive }
