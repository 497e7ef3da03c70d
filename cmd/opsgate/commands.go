package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/loykin/opsgate"
	"github.com/loykin/opsgate/internal/auth"
	"github.com/loykin/opsgate/pkg/client"
)

// command runs client-side subcommands against a daemon and renders results.
type command struct {
	out        io.Writer
	configPath *string
}

// apiURL resolves the daemon URL: the flag wins, then the config's
// server section, then the client default.
func (c command) apiURL(rf RemoteFlags) (string, error) {
	if rf.APIUrl != "" {
		return strings.TrimRight(rf.APIUrl, "/"), nil
	}
	if c.configPath == nil || *c.configPath == "" {
		return client.DefaultConfig().BaseURL, nil
	}
	cfg, err := opsgate.LoadConfig(*c.configPath)
	if err != nil {
		return "", fmt.Errorf("error loading config: %w", err)
	}
	host, port, err := net.SplitHostPort(cfg.Server.Listen)
	if err != nil {
		return "", fmt.Errorf("invalid server.listen %q: %w", cfg.Server.Listen, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	scheme := "http"
	if cfg.Server.TLS.Enabled {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(host, port) + strings.TrimRight(cfg.Server.BasePath, "/"), nil
}

func (c command) client(rf RemoteFlags) (*client.Client, error) {
	base, err := c.apiURL(rf)
	if err != nil {
		return nil, err
	}
	cfg := client.Config{
		BaseURL:  base,
		Timeout:  rf.APITimeout,
		Actor:    client.Actor{ID: rf.ActorID, Label: rf.ActorLabel},
		Token:    rf.Token,
		Insecure: rf.Insecure,
	}
	if rf.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: rf.CACert}
	}
	return client.New(cfg)
}

func (c command) ctx(rf RemoteFlags) (context.Context, context.CancelFunc) {
	timeout := rf.APITimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return context.WithTimeout(context.Background(), timeout)
}

func (c command) GitStatus(rf RemoteFlags) error {
	cl, err := c.client(rf)
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx(rf)
	defer cancel()
	st, err := cl.SyncStatus(ctx)
	if err != nil {
		return err
	}
	if rf.JSON {
		printJSON(c.out, st)
		return nil
	}
	if !st.Checked || st.Status == nil {
		_, _ = fmt.Fprintln(c.out, "No check has completed yet. Run 'opsgate git check'.")
		return nil
	}
	_, _ = fmt.Fprint(c.out, formatStatus(*st.Status))
	if st.Notified {
		_, _ = fmt.Fprintln(c.out, "Update notification: sent")
	}
	return nil
}

func (c command) GitCheck(rf RemoteFlags) error {
	cl, err := c.client(rf)
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx(rf)
	defer cancel()
	st, err := cl.CheckNow(ctx)
	if err != nil {
		return err
	}
	if rf.JSON {
		printJSON(c.out, st)
		return nil
	}
	_, _ = fmt.Fprint(c.out, formatStatus(st))
	return nil
}

func (c command) GitPending(rf RemoteFlags) error {
	cl, err := c.client(rf)
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx(rf)
	defer cancel()
	p, err := cl.PendingCommits(ctx)
	if err != nil {
		return err
	}
	if rf.JSON {
		printJSON(c.out, p)
		return nil
	}
	_, _ = fmt.Fprintf(c.out, "Behind: %s\n", plural(p.Status.Behind, "commit"))
	_, _ = fmt.Fprint(c.out, formatCommits(p.Commits))
	return nil
}

func (c command) GitApply(rf RemoteFlags) error {
	cl, err := c.client(rf)
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx(rf)
	defer cancel()
	res, err := cl.ApplyUpdates(ctx)
	if err != nil {
		var ae *client.APIError
		if errors.As(err, &ae) && ae.Stage != "" {
			return fmt.Errorf("failed to apply updates during %s: %s", ae.Stage, ae.Message())
		}
		return err
	}
	if rf.JSON {
		printJSON(c.out, res)
		return nil
	}
	_, _ = fmt.Fprintf(c.out, "Pulled %s (+%d/-%d).\n", plural(res.Pull.Changes, "change"), res.Pull.Insertions, res.Pull.Deletions)
	if res.Push.Pushed {
		_, _ = fmt.Fprintln(c.out, "Pushed local commits.")
	}
	_, _ = fmt.Fprintln(c.out, "Restarting to load the new code.")
	return nil
}

func (c command) GitDismiss(rf RemoteFlags) error {
	cl, err := c.client(rf)
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx(rf)
	defer cancel()
	if err := cl.DismissUpdate(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "Update notification dismissed.")
	return nil
}

// PowerRequest opens a confirmation session for restart or shutdown.
func (c command) PowerRequest(rf RemoteFlags, action string) error {
	cl, err := c.client(rf)
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx(rf)
	defer cancel()
	s, err := cl.BeginSession(ctx, action)
	if err != nil {
		var ae *client.APIError
		switch {
		case client.IsCooldown(err) && errors.As(err, &ae) && ae.Until != nil:
			return fmt.Errorf("please wait until %s before requesting another %s", ae.Until.Format(time.RFC3339), action)
		case client.IsActive(err) && errors.As(err, &ae) && ae.Session != nil:
			return fmt.Errorf("a %s confirmation is already pending (session %s)", action, ae.Session.ID)
		}
		return err
	}
	if rf.JSON {
		printJSON(c.out, s)
		return nil
	}
	_, _ = fmt.Fprint(c.out, formatSession(s))
	_, _ = fmt.Fprintf(c.out, "Confirm with: opsgate power confirm %s\n", s.ID)
	_, _ = fmt.Fprintf(c.out, "Cancel with:  opsgate power cancel %s\n", s.ID)
	if s.ConfirmCallback != "" {
		_, _ = fmt.Fprintf(c.out, "Callback ids: %s | %s\n", s.ConfirmCallback, s.CancelCallback)
	}
	return nil
}

// PowerAnswer resolves a session by callback id, as a chat button would.
func (c command) PowerAnswer(rf RemoteFlags, cid string) error {
	cl, err := c.client(rf)
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx(rf)
	defer cancel()
	out, err := cl.AnswerCallback(ctx, cid)
	if client.IsBadRequest(err) {
		return fmt.Errorf("%q is not a callback id", cid)
	}
	return c.outcome(rf, out, err)
}

func (c command) PowerConfirm(rf RemoteFlags, id string) error {
	cl, err := c.client(rf)
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx(rf)
	defer cancel()
	out, err := cl.ApproveSession(ctx, id)
	return c.outcome(rf, out, err)
}

func (c command) PowerCancel(rf RemoteFlags, id, reason string) error {
	cl, err := c.client(rf)
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx(rf)
	defer cancel()
	out, err := cl.CancelSession(ctx, id, reason)
	return c.outcome(rf, out, err)
}

func (c command) outcome(rf RemoteFlags, out client.Outcome, err error) error {
	switch {
	case client.IsExpired(err):
		return errors.New("this confirmation has expired")
	case client.IsNotFound(err):
		return errors.New("this confirmation has already been handled or has expired")
	case err != nil:
		return err
	}
	if rf.JSON {
		printJSON(c.out, out)
		return nil
	}
	_, _ = fmt.Fprint(c.out, formatOutcome(out))
	return nil
}

// PowerShow prints the pending session, cooldown and recent outcomes for action.
func (c command) PowerShow(rf RemoteFlags, action string, limit int) error {
	cl, err := c.client(rf)
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx(rf)
	defer cancel()
	h, err := cl.History(ctx, action, limit)
	if err != nil {
		return err
	}
	if rf.JSON {
		printJSON(c.out, h)
		return nil
	}
	if h.Pending != nil {
		_, _ = fmt.Fprint(c.out, formatSession(*h.Pending))
	} else {
		_, _ = fmt.Fprintf(c.out, "No pending %s confirmation.\n", action)
	}
	if h.CooldownUntil != nil {
		_, _ = fmt.Fprintf(c.out, "Cooldown until %s\n", h.CooldownUntil.Format(time.RFC3339))
	}
	if h.Last != nil {
		line := fmt.Sprintf("Last outcome: %s at %s", h.Last.Outcome, h.Last.At.Format(time.RFC3339))
		if h.Last.Actor != nil && h.Last.Actor.Label != "" {
			line += " by " + h.Last.Actor.Label
		}
		if h.Last.Reason != "" {
			line += " (" + h.Last.Reason + ")"
		}
		_, _ = fmt.Fprintln(c.out, line)
	}
	for _, e := range h.Events {
		_, _ = fmt.Fprintf(c.out, "  %s %s %s\n", e.OccurredAt.Format(time.RFC3339), e.Outcome, orDefault(e.ActorLabel, "-"))
	}
	return nil
}

// TokenIssue mints a bearer token locally with the configured auth secret.
func (c command) TokenIssue(flags TokenFlags, asJSON bool) error {
	path := ""
	if c.configPath != nil {
		path = *c.configPath
	}
	cfg, err := opsgate.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if cfg.Server.Auth.Secret == "" {
		return errors.New("server.auth.secret is not configured")
	}
	svc, err := auth.NewService(cfg.Server.Auth.Secret)
	if err != nil {
		return err
	}
	ttl := flags.TTL
	if ttl <= 0 {
		ttl = cfg.Server.Auth.TokenTTL
	}
	tok, exp, err := svc.Issue(opsgate.Actor{ID: flags.ActorID, Label: flags.ActorLabel}, ttl)
	if err != nil {
		return err
	}
	if asJSON {
		printJSON(c.out, map[string]any{"token": tok, "expires_at": exp})
		return nil
	}
	_, _ = fmt.Fprintln(c.out, tok)
	return nil
}
