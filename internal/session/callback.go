package session

import (
	"errors"
	"strings"
)

const callbackPrefix = "power"

// Decision is the answer carried by a confirmation button.
type Decision string

const (
	DecisionConfirm Decision = "confirm"
	DecisionCancel  Decision = "cancel"
)

var ErrInvalidCallback = errors.New("invalid callback id")

// EncodeCallbackID builds the identifier attached to a confirmation button:
// power:<action>:<decision>:<session id>.
func EncodeCallbackID(action Action, d Decision, id string) string {
	return strings.Join([]string{callbackPrefix, string(action), string(d), id}, ":")
}

// ParseCallbackID splits an identifier built by EncodeCallbackID.
// Only the shape is validated; whether the action is known is up to the manager.
func ParseCallbackID(s string) (Action, Decision, string, error) {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) != 4 || parts[0] != callbackPrefix {
		return "", "", "", ErrInvalidCallback
	}
	action, d, id := Action(parts[1]), Decision(parts[2]), parts[3]
	if action == "" || id == "" {
		return "", "", "", ErrInvalidCallback
	}
	if d != DecisionConfirm && d != DecisionCancel {
		return "", "", "", ErrInvalidCallback
	}
	return action, d, id, nil
}

// Approved reports whether d confirms the session.
func (d Decision) Approved() bool { return d == DecisionConfirm }

// CallbackIDs returns the confirm and cancel identifiers for s.
func (s Session) CallbackIDs() (confirm, cancel string) {
	return EncodeCallbackID(s.Action, DecisionConfirm, s.ID), EncodeCallbackID(s.Action, DecisionCancel, s.ID)
}

// AnswerCallback resolves the session named by a callback id on behalf of
// actor. An id whose action does not match the live session is treated like an
// unknown session.
func (m *Manager) AnswerCallback(cid string, actor Actor) (Outcome, error) {
	action, d, id, err := ParseCallbackID(cid)
	if err != nil {
		return Outcome{}, err
	}
	if !m.Known(action) {
		return Outcome{}, ErrUnknownAction
	}
	if s, ok := m.Get(id); !ok || s.Action != action {
		return Outcome{}, ErrNotFound
	}
	return m.ResolveSession(id, d.Approved(), actor)
}
