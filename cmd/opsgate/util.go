package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/loykin/opsgate/pkg/client"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}

func formatStatus(st client.SyncStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current branch: %s\n", orDefault(st.Current, "Unknown"))
	fmt.Fprintf(&b, "Upstream tracking: %s\n", orDefault(st.Tracking, "Not configured"))
	fmt.Fprintf(&b, "Ahead: %s\n", plural(st.Ahead, "commit"))
	fmt.Fprintf(&b, "Behind: %s\n", plural(st.Behind, "commit"))
	fmt.Fprintf(&b, "Uncommitted changes: %d\n", st.Changed)
	if !st.CheckedAt.IsZero() {
		fmt.Fprintf(&b, "Checked at: %s\n", st.CheckedAt.Format(time.RFC3339))
	}
	return b.String()
}

func formatCommits(cs []client.Commit) string {
	if len(cs) == 0 {
		return "Pending changes: Unable to load commit summaries.\n"
	}
	var b strings.Builder
	b.WriteString("Pending changes:\n")
	for _, c := range cs {
		fmt.Fprintf(&b, "• %s - %s\n", c.ShortHash, c.Subject)
	}
	return b.String()
}

func formatSession(s client.Session) string {
	return fmt.Sprintf("Session %s: %s %s, requested by %s, expires %s\n",
		s.ID, s.Action, s.Status, orDefault(s.RequestedBy.Label, "unknown"), s.ExpiresAt.Format(time.RFC3339))
}

func formatOutcome(o client.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", o.Session.Action, o.Status)
	if o.Actor != nil && o.Actor.Label != "" {
		fmt.Fprintf(&b, " by %s", o.Actor.Label)
	}
	if o.Reason != "" {
		fmt.Fprintf(&b, " (%s)", o.Reason)
	}
	fmt.Fprintf(&b, "; next request allowed after %s\n", o.CooldownUntil.Format(time.RFC3339))
	return b.String()
}
