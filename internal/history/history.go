package history

import (
	"context"
	"errors"
	"io"
	"time"
)

// Kind groups events by the component that produced them.
type Kind string

const (
	KindSession Kind = "session"
	KindSync    Kind = "sync"
)

// Sync outcomes. Session events use the session status names.
const (
	OutcomeUpdateAvailable = "update_available"
	OutcomeApplied         = "applied"
	OutcomeApplyFailed     = "apply_failed"
	OutcomeDismissed       = "dismissed"
)

// Event is an audit record exported to external systems.
type Event struct {
	Kind       Kind      `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	ActorID    string    `json:"actor_id,omitempty"`
	ActorLabel string    `json:"actor_label,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can answer queries.
type Reader interface {
	Recent(ctx context.Context, action string, limit int) ([]Event, error)
}

// Multi fans an event out to every sink. All sinks are attempted; the errors
// are joined.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds resources.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Reader returns the first sink that supports queries.
func (m Multi) Reader() (Reader, bool) {
	for _, s := range m {
		if r, ok := s.(Reader); ok {
			return r, true
		}
	}
	return nil, false
}
