package control

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/opsgate/internal/session"
)

// Lines renders the prompt the way an operator reads it.
func (p UpdatePrompt) Lines() []string {
	st := p.Status
	label := "commits"
	if st.Behind == 1 {
		label = "commit"
	}
	lines := []string{
		"Repository update available",
		fmt.Sprintf("Behind: %d %s", st.Behind, label),
		"Current branch: " + orDefault(st.Current, "Unknown"),
		"Upstream tracking: " + orDefault(st.Tracking, "Not configured"),
	}
	if len(p.Commits) == 0 {
		return append(lines, "Pending changes: Unable to load commit summaries.")
	}
	lines = append(lines, "Pending changes:")
	for _, c := range p.Commits {
		lines = append(lines, c.Summary())
	}
	return lines
}

// SessionPrompt asks operators to confirm or cancel a pending session. Confirm
// and Cancel are callback ids accepted by the /callbacks endpoint.
type SessionPrompt struct {
	Session session.Session `json:"session"`
	Confirm string          `json:"confirm"`
	Cancel  string          `json:"cancel"`
}

func (p SessionPrompt) Lines() []string {
	s := p.Session
	return []string{
		fmt.Sprintf("Confirm %s requested by %s", s.Action, orDefault(s.RequestedBy.Label, "unknown")),
		"Expires: " + s.ExpiresAt.Format(time.RFC3339),
		"Confirm: " + p.Confirm,
		"Cancel: " + p.Cancel,
	}
}

// DescribeOutcome renders a one-line summary of a resolved session.
func DescribeOutcome(o session.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", o.Session.Action, o.Status)
	if o.Actor != nil {
		fmt.Fprintf(&b, " by %s", o.Actor.Label)
	}
	if o.Reason != "" {
		fmt.Fprintf(&b, " (%s)", o.Reason)
	}
	fmt.Fprintf(&b, "; next request allowed after %s", o.CooldownUntil.Format(time.RFC3339))
	return b.String()
}

// LogNotifier writes prompts and outcomes to the process log. It is the
// default when no chat integration is configured.
type LogNotifier struct {
	Logger *slog.Logger

	mu   sync.Mutex
	seq  int
	live map[string]bool
}

func NewLogNotifier(l *slog.Logger) *LogNotifier {
	if l == nil {
		l = slog.Default()
	}
	return &LogNotifier{Logger: l, live: make(map[string]bool)}
}

func (n *LogNotifier) NotifyUpdate(_ context.Context, p UpdatePrompt) (string, error) {
	n.mu.Lock()
	n.seq++
	handle := fmt.Sprintf("log-%d", n.seq)
	n.live[handle] = true
	n.mu.Unlock()

	n.Logger.Info(strings.Join(p.Lines(), "\n"), "handle", handle)
	return handle, nil
}

// NotifySession logs the prompt with both callback ids.
func (n *LogNotifier) NotifySession(_ context.Context, p SessionPrompt) (string, error) {
	handle := "log-session-" + p.Session.ID
	n.Logger.Info(strings.Join(p.Lines(), "\n"), "handle", handle)
	return handle, nil
}

func (n *LogNotifier) PromptExists(_ context.Context, handle string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.live[handle]
}

// Forget marks a prompt as gone, as if an operator deleted the message.
func (n *LogNotifier) Forget(handle string) {
	n.mu.Lock()
	delete(n.live, handle)
	n.mu.Unlock()
}

func (n *LogNotifier) NotifyOutcome(_ context.Context, o session.Outcome) {
	n.Logger.Info("Session outcome", "id", o.Session.ID, "summary", DescribeOutcome(o))
}
