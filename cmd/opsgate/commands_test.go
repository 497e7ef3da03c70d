package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/opsgate/internal/auth"
	"github.com/loykin/opsgate/internal/gitsync"
	"github.com/loykin/opsgate/internal/server"
	"github.com/loykin/opsgate/internal/session"
)

type stubSync struct {
	status  gitsync.Status
	checked bool
	applied int
}

func (s *stubSync) LastStatus() (gitsync.Status, bool) { return s.status, s.checked }
func (s *stubSync) Notified() bool                     { return s.checked && s.status.Behind > 0 }

func (s *stubSync) CheckForRemoteChanges(context.Context) (gitsync.Status, error) {
	s.checked = true
	return s.status, nil
}

func (s *stubSync) PendingCommitSummaries(context.Context, gitsync.Status) []gitsync.Commit {
	return []gitsync.Commit{{ShortHash: "abc1234", Subject: "fix login"}}
}

func (s *stubSync) ConfirmUpdate(context.Context, session.Actor) (gitsync.ApplyResult, error) {
	s.applied++
	return gitsync.ApplyResult{Pull: gitsync.PullResult{Changes: 2, Insertions: 5, Deletions: 1}}, nil
}

func (s *stubSync) DismissUpdate(context.Context, session.Actor) {}

func startDaemon(t *testing.T, opts ...server.Option) (RemoteFlags, *stubSync) {
	t.Helper()
	m := session.NewManager()
	t.Cleanup(m.Close)
	sync := &stubSync{status: gitsync.Status{Current: "main", Tracking: "origin/main", Behind: 2}}
	opts = append([]server.Option{server.WithSync(sync, sync)}, opts...)
	ts := httptest.NewServer(server.NewRouter(m, "/api", opts...).Handler())
	t.Cleanup(ts.Close)
	return RemoteFlags{APIUrl: ts.URL + "/api", ActorID: "7", ActorLabel: "alice"}, sync
}

func TestGitCommands(t *testing.T) {
	rf, sync := startDaemon(t)
	var out bytes.Buffer
	c := command{out: &out}

	require.NoError(t, c.GitStatus(rf))
	assert.Contains(t, out.String(), "No check has completed yet")

	out.Reset()
	require.NoError(t, c.GitCheck(rf))
	assert.Contains(t, out.String(), "Current branch: main")
	assert.Contains(t, out.String(), "Behind: 2 commits")

	out.Reset()
	require.NoError(t, c.GitStatus(rf))
	assert.Contains(t, out.String(), "Update notification: sent")

	out.Reset()
	require.NoError(t, c.GitPending(rf))
	assert.Contains(t, out.String(), "• abc1234 - fix login")

	out.Reset()
	require.NoError(t, c.GitApply(rf))
	assert.Contains(t, out.String(), "Pulled 2 changes (+5/-1).")
	assert.Equal(t, 1, sync.applied)

	out.Reset()
	require.NoError(t, c.GitDismiss(rf))
	assert.Contains(t, out.String(), "dismissed")
}

func TestPowerCommands(t *testing.T) {
	rf, _ := startDaemon(t)
	var out bytes.Buffer
	c := command{out: &out}

	rf.JSON = true
	require.NoError(t, c.PowerRequest(rf, "restart"))
	s := decodeSession(t, out.Bytes())
	assert.Equal(t, "restart", s.Action)
	rf.JSON = false

	err := c.PowerRequest(rf, "restart")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already pending (session "+s.ID+")")

	out.Reset()
	require.NoError(t, c.PowerConfirm(rf, s.ID))
	assert.Contains(t, out.String(), "restart approved by alice")

	err = c.PowerConfirm(rf, s.ID)
	assert.EqualError(t, err, "this confirmation has already been handled or has expired")

	err = c.PowerRequest(rf, "restart")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "please wait until")

	out.Reset()
	require.NoError(t, c.PowerRequest(rf, "shutdown"))
	assert.Contains(t, out.String(), "Confirm with: opsgate power confirm")

	out.Reset()
	require.NoError(t, c.PowerShow(rf, "shutdown", 5))
	assert.Contains(t, out.String(), "shutdown pending")

	out.Reset()
	require.NoError(t, c.PowerShow(rf, "restart", 5))
	assert.Contains(t, out.String(), "No pending restart confirmation.")
	assert.Contains(t, out.String(), "Last outcome: approved")
	assert.Contains(t, out.String(), "by alice")
}

func TestPowerCancelWithReason(t *testing.T) {
	rf, _ := startDaemon(t)
	var out bytes.Buffer
	c := command{out: &out}

	rf.JSON = true
	require.NoError(t, c.PowerRequest(rf, "shutdown"))
	s := decodeSession(t, out.Bytes())
	rf.JSON = false

	out.Reset()
	require.NoError(t, c.PowerCancel(rf, s.ID, "wrong server"))
	assert.Contains(t, out.String(), "shutdown cancelled by alice (wrong server)")
}

func TestPowerAnswerByCallbackID(t *testing.T) {
	rf, _ := startDaemon(t)
	var out bytes.Buffer
	c := command{out: &out}

	require.NoError(t, c.PowerRequest(rf, "restart"))
	assert.Contains(t, out.String(), "Callback ids: power:restart:confirm:")
	out.Reset()
	require.NoError(t, c.PowerCancel(rf, pendingID(t, c, rf, "restart"), ""))

	rf.JSON = true
	out.Reset()
	require.NoError(t, c.PowerRequest(rf, "shutdown"))
	s := decodeSession(t, out.Bytes())
	rf.JSON = false
	assert.Equal(t, "power:shutdown:confirm:"+s.ID, s.ConfirmCallback)

	err := c.PowerAnswer(rf, "power:shutdown:later:"+s.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not a callback id")

	out.Reset()
	require.NoError(t, c.PowerAnswer(rf, s.ConfirmCallback))
	assert.Contains(t, out.String(), "shutdown approved by alice")

	err = c.PowerAnswer(rf, s.CancelCallback)
	assert.EqualError(t, err, "this confirmation has already been handled or has expired")
}

func pendingID(t *testing.T, c command, rf RemoteFlags, action string) string {
	t.Helper()
	cl, err := c.client(rf)
	require.NoError(t, err)
	h, err := cl.History(context.Background(), action, 1)
	require.NoError(t, err)
	require.NotNil(t, h.Pending)
	return h.Pending.ID
}

func TestOwnerGuardFromCLI(t *testing.T) {
	rf, _ := startDaemon(t, server.WithOwners([]string{"1"}))
	err := command{out: &bytes.Buffer{}}.PowerRequest(rf, "restart")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only bot owners")
}

func TestAPIURLFromConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opsgate.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
listen = "0.0.0.0:9100"
base_path = "/ops/"
`), 0o644))

	c := command{out: &bytes.Buffer{}, configPath: &path}
	u, err := c.apiURL(RemoteFlags{})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9100/ops", u)

	u, err = c.apiURL(RemoteFlags{APIUrl: "http://example:1/api/"})
	require.NoError(t, err)
	assert.Equal(t, "http://example:1/api", u)

	empty := ""
	u, err = command{configPath: &empty}.apiURL(RemoteFlags{})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8765/api", u)
}

func TestTokenIssueAuthenticatesCLI(t *testing.T) {
	secret := strings.Repeat("z", 32)
	path := filepath.Join(t.TempDir(), "opsgate.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server.auth]
enabled = true
secret = "`+secret+`"
`), 0o600))

	var out bytes.Buffer
	c := command{out: &out, configPath: &path}
	require.NoError(t, c.TokenIssue(TokenFlags{ActorID: "7", ActorLabel: "carol", TTL: time.Hour}, false))
	tok := strings.TrimSpace(out.String())
	require.NotEmpty(t, tok)

	svc, err := auth.NewService(secret)
	require.NoError(t, err)
	rf, _ := startDaemon(t, server.WithAuth(svc))

	err = command{out: &bytes.Buffer{}}.PowerRequest(rf, "restart")
	require.Error(t, err, "no token")

	out.Reset()
	rf.Token = tok
	rf.ActorLabel = "spoofed"
	require.NoError(t, command{out: &out}.PowerRequest(rf, "restart"))
	assert.Contains(t, out.String(), "requested by carol")
}

func TestTokenIssueNeedsSecret(t *testing.T) {
	empty := ""
	err := command{out: &bytes.Buffer{}, configPath: &empty}.TokenIssue(TokenFlags{ActorID: "1"}, false)
	assert.EqualError(t, err, "server.auth.secret is not configured")
}
