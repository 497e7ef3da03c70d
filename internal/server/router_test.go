package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/opsgate/internal/auth"
	"github.com/loykin/opsgate/internal/gitsync"
	"github.com/loykin/opsgate/internal/history"
	"github.com/loykin/opsgate/internal/session"
)

type fakeSync struct {
	status   gitsync.Status
	checked  bool
	checkErr error
	commits  []gitsync.Commit
	applyErr error
	applied  []session.Actor
	dismiss  []session.Actor
}

func (f *fakeSync) LastStatus() (gitsync.Status, bool) { return f.status, f.checked }
func (f *fakeSync) Notified() bool                     { return f.checked && f.status.Behind > 0 }

func (f *fakeSync) CheckForRemoteChanges(context.Context) (gitsync.Status, error) {
	if f.checkErr != nil {
		return gitsync.Status{}, f.checkErr
	}
	f.checked = true
	return f.status, nil
}

func (f *fakeSync) PendingCommitSummaries(context.Context, gitsync.Status) []gitsync.Commit {
	return f.commits
}

func (f *fakeSync) ConfirmUpdate(_ context.Context, a session.Actor) (gitsync.ApplyResult, error) {
	f.applied = append(f.applied, a)
	if f.applyErr != nil {
		return gitsync.ApplyResult{}, f.applyErr
	}
	return gitsync.ApplyResult{Pull: gitsync.PullResult{Changes: 2}}, nil
}

func (f *fakeSync) DismissUpdate(_ context.Context, a session.Actor) {
	f.dismiss = append(f.dismiss, a)
}

type fakeReader struct{ events []history.Event }

func (f fakeReader) Recent(_ context.Context, action string, limit int) ([]history.Event, error) {
	var out []history.Event
	for _, e := range f.events {
		if e.Action == action && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

type env struct {
	h        http.Handler
	sessions *session.Manager
	clock    clockwork.FakeClock
	sync     *fakeSync
}

func setup(t *testing.T, base string, opts ...Option) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fc := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	m := session.NewManager(session.WithClock(fc))
	t.Cleanup(m.Close)
	fs := &fakeSync{status: gitsync.Status{Current: "main", Tracking: "origin/main", Behind: 2}}
	opts = append([]Option{
		WithSync(fs, fs),
		WithClock(fc),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	r := NewRouter(m, base, opts...)
	return &env{h: r.Handler(), sessions: m, clock: fc, sync: fs}
}

func doReq(t *testing.T, h http.Handler, method, path string, body any, actor string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != "" {
		req.Header.Set("X-Actor-ID", actor)
		req.Header.Set("X-Actor-Label", "user-"+actor)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	e := setup(t, "/api/")
	rec := doReq(t, e.h, http.MethodGet, "/api/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestSessionLifecycle(t *testing.T) {
	e := setup(t, "/api")

	rec := doReq(t, e.h, http.MethodPost, "/api/sessions", beginReq{Action: "restart"}, "7")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	s := decode[session.Session](t, rec)
	assert.Equal(t, session.ActionRestart, s.Action)
	assert.Equal(t, session.StatusPending, s.Status)
	assert.Equal(t, "user-7", s.RequestedBy.Label)

	rec = doReq(t, e.h, http.MethodGet, "/api/sessions/"+s.ID, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, e.h, http.MethodPost, "/api/sessions", beginReq{Action: "restart"}, "8")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, s.ID, decode[activeResp](t, rec).Session.ID)

	rec = doReq(t, e.h, http.MethodPost, "/api/sessions/"+s.ID+"/approve", nil, "8")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[session.Outcome](t, rec)
	assert.Equal(t, session.StatusApproved, out.Status)
	require.NotNil(t, out.Actor)
	assert.Equal(t, "8", out.Actor.ID)

	// second approval loses
	rec = doReq(t, e.h, http.MethodPost, "/api/sessions/"+s.ID+"/approve", nil, "8")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, e.h, http.MethodPost, "/api/sessions", beginReq{Action: "restart"}, "7")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	cd := decode[cooldownResp](t, rec)
	assert.Equal(t, out.CooldownUntil, cd.Until)
}

func TestRetryAfterFollowsClock(t *testing.T) {
	e := setup(t, "")
	s, err := e.sessions.BeginSession(session.ActionRestart, session.Actor{ID: "1"})
	require.NoError(t, err)
	_, err = e.sessions.ResolveSession(s.ID, true, session.Actor{ID: "1"})
	require.NoError(t, err)

	// 5m approval cooldown, 90.5s of it elapsed
	e.clock.Advance(90*time.Second + 500*time.Millisecond)
	rec := doReq(t, e.h, http.MethodPost, "/sessions", beginReq{Action: "restart"}, "1")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "210", rec.Header().Get("Retry-After"))
	assert.Equal(t, 210, decode[cooldownResp](t, rec).RetryAfter)

	e.clock.Advance(209 * time.Second)
	rec = doReq(t, e.h, http.MethodPost, "/sessions", beginReq{Action: "restart"}, "1")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestCallbackEndpoint(t *testing.T) {
	e := setup(t, "/api")
	rec := doReq(t, e.h, http.MethodPost, "/api/sessions", beginReq{Action: "shutdown"}, "7")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	begun := decode[beginResp](t, rec)
	assert.Equal(t, "power:shutdown:confirm:"+begun.ID, begun.ConfirmCallback)
	assert.Equal(t, "power:shutdown:cancel:"+begun.ID, begun.CancelCallback)

	assert.Equal(t, http.StatusBadRequest, doReq(t, e.h, http.MethodPost, "/api/callbacks/power:shutdown:maybe:"+begun.ID, nil, "7").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, e.h, http.MethodPost, "/api/callbacks/power:reboot:confirm:"+begun.ID, nil, "7").Code)
	// a restart button cannot resolve the shutdown session
	assert.Equal(t, http.StatusNotFound, doReq(t, e.h, http.MethodPost, "/api/callbacks/power:restart:confirm:"+begun.ID, nil, "7").Code)

	rec = doReq(t, e.h, http.MethodPost, "/api/callbacks/"+begun.CancelCallback, nil, "8")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[session.Outcome](t, rec)
	assert.Equal(t, session.StatusCancelled, out.Status)
	require.NotNil(t, out.Actor)
	assert.Equal(t, "8", out.Actor.ID)

	rec = doReq(t, e.h, http.MethodPost, "/api/callbacks/"+begun.ConfirmCallback, nil, "8")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCallbackEndpointOwnerOnly(t *testing.T) {
	e := setup(t, "", WithOwners([]string{"42"}))
	s, err := e.sessions.BeginSession(session.ActionRestart, session.Actor{ID: "42"})
	require.NoError(t, err)
	confirm, _ := s.CallbackIDs()

	assert.Equal(t, http.StatusForbidden, doReq(t, e.h, http.MethodPost, "/callbacks/"+confirm, nil, "7").Code)
	_, pending := e.sessions.Pending(session.ActionRestart)
	assert.True(t, pending)
	assert.Equal(t, http.StatusOK, doReq(t, e.h, http.MethodPost, "/callbacks/"+confirm, nil, "42").Code)
}

func TestBeginValidation(t *testing.T) {
	e := setup(t, "")
	assert.Equal(t, http.StatusBadRequest, doReq(t, e.h, http.MethodPost, "/sessions", beginReq{}, "").Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, e.h, http.MethodPost, "/sessions", beginReq{Action: "reboot"}, "").Code)

	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelWithReason(t *testing.T) {
	e := setup(t, "")
	s, err := e.sessions.BeginSession(session.ActionShutdown, session.Actor{ID: "1"})
	require.NoError(t, err)

	rec := doReq(t, e.h, http.MethodPost, "/sessions/"+s.ID+"/cancel", cancelReq{Reason: "wrong button"}, "1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[session.Outcome](t, rec)
	assert.Equal(t, session.StatusCancelled, out.Status)
	assert.Equal(t, "wrong button", out.Reason)
}

func TestCancelWithoutBody(t *testing.T) {
	e := setup(t, "")
	s, err := e.sessions.BeginSession(session.ActionRestart, session.Actor{ID: "1"})
	require.NoError(t, err)

	rec := doReq(t, e.h, http.MethodPost, "/sessions/"+s.ID+"/cancel", nil, "1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, session.StatusCancelled, decode[session.Outcome](t, rec).Status)
}

func TestResolveUnknownAndInvalidID(t *testing.T) {
	e := setup(t, "")
	assert.Equal(t, http.StatusNotFound, doReq(t, e.h, http.MethodPost, "/sessions/nope/approve", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, e.h, http.MethodGet, "/sessions/nope", nil, "").Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, e.h, http.MethodGet, "/sessions/a..b", nil, "").Code)
}

func TestExpiredSessionIsGone(t *testing.T) {
	gin.SetMode(gin.TestMode)
	fc := clockwork.NewFakeClock()
	// expiry timer scheduled far out so the deadline check answers first
	m := session.NewManager(session.WithClock(slowTimers{fc}))
	defer m.Close()
	h := NewRouter(m, "").Handler()

	s, err := m.BeginSession(session.ActionRestart, session.Actor{ID: "1"})
	require.NoError(t, err)
	fc.Advance(2 * time.Minute)

	rec := doReq(t, h, http.MethodPost, "/sessions/"+s.ID+"/approve", nil, "1")
	assert.Equal(t, http.StatusGone, rec.Code)
}

type slowTimers struct{ clockwork.FakeClock }

func (c slowTimers) AfterFunc(d time.Duration, f func()) clockwork.Timer {
	return c.FakeClock.AfterFunc(1000*d, f)
}

func TestOwnersGuardMutations(t *testing.T) {
	e := setup(t, "", WithOwners([]string{"42"}))

	rec := doReq(t, e.h, http.MethodPost, "/sessions", beginReq{Action: "restart"}, "7")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = doReq(t, e.h, http.MethodPost, "/sessions", beginReq{Action: "restart"}, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = doReq(t, e.h, http.MethodPost, "/sync/apply", nil, "7")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, e.sync.applied)

	// reads stay open
	assert.Equal(t, http.StatusOK, doReq(t, e.h, http.MethodGet, "/sync/status", nil, "7").Code)

	rec = doReq(t, e.h, http.MethodPost, "/sessions", beginReq{Action: "restart"}, "42")
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestSyncEndpoints(t *testing.T) {
	e := setup(t, "/api")

	st := decode[syncStatusResp](t, doReq(t, e.h, http.MethodGet, "/api/sync/status", nil, ""))
	assert.False(t, st.Checked)
	assert.Nil(t, st.Status)

	assert.Equal(t, http.StatusConflict, doReq(t, e.h, http.MethodGet, "/api/sync/pending", nil, "").Code)

	rec := doReq(t, e.h, http.MethodPost, "/api/sync/check", nil, "1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[gitsync.Status](t, rec).Behind)

	st = decode[syncStatusResp](t, doReq(t, e.h, http.MethodGet, "/api/sync/status", nil, ""))
	assert.True(t, st.Checked)
	assert.True(t, st.Notified)
	require.NotNil(t, st.Status)
	assert.Equal(t, "origin/main", st.Status.Tracking)

	pending := decode[pendingResp](t, doReq(t, e.h, http.MethodGet, "/api/sync/pending", nil, ""))
	assert.NotNil(t, pending.Commits)
	assert.Empty(t, pending.Commits)

	e.sync.commits = []gitsync.Commit{{ShortHash: "abc1234", Subject: "fix"}}
	pending = decode[pendingResp](t, doReq(t, e.h, http.MethodGet, "/api/sync/pending", nil, ""))
	assert.Len(t, pending.Commits, 1)

	rec = doReq(t, e.h, http.MethodPost, "/api/sync/apply", nil, "1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[gitsync.ApplyResult](t, rec).Pull.Changes)
	require.Len(t, e.sync.applied, 1)
	assert.Equal(t, "1", e.sync.applied[0].ID)

	rec = doReq(t, e.h, http.MethodPost, "/api/sync/dismiss", nil, "1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, e.sync.dismiss, 1)
}

func TestSyncErrors(t *testing.T) {
	e := setup(t, "")
	e.sync.checkErr = &gitsync.StageError{Stage: gitsync.StageFetch, Err: errors.New("offline")}
	rec := doReq(t, e.h, http.MethodPost, "/sync/check", nil, "")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, gitsync.StageFetch, decode[stageErrorResp](t, rec).Stage)

	e.sync.applyErr = errors.New("git monitoring is disabled")
	rec = doReq(t, e.h, http.MethodPost, "/sync/apply", nil, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSyncDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := session.NewManager()
	defer m.Close()
	h := NewRouter(m, "").Handler()
	for _, p := range []string{"/sync/status", "/sync/pending"} {
		assert.Equal(t, http.StatusServiceUnavailable, doReq(t, h, http.MethodGet, p, nil, "").Code, p)
	}
	assert.Equal(t, http.StatusServiceUnavailable, doReq(t, h, http.MethodPost, "/sync/apply", nil, "").Code)
}

func TestHistoryEndpoint(t *testing.T) {
	reader := fakeReader{events: []history.Event{
		{Kind: history.KindSession, Action: "restart", Outcome: "approved"},
		{Kind: history.KindSession, Action: "restart", Outcome: "cancelled"},
		{Kind: history.KindSession, Action: "shutdown", Outcome: "expired"},
	}}
	e := setup(t, "", WithHistory(reader))

	s, err := e.sessions.BeginSession(session.ActionRestart, session.Actor{ID: "1"})
	require.NoError(t, err)
	_, err = e.sessions.ResolveSession(s.ID, false, session.Actor{ID: "1", Label: "alice"})
	require.NoError(t, err)

	rec := doReq(t, e.h, http.MethodGet, "/history/restart?limit=1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[historyResp](t, rec)
	require.NotNil(t, resp.Last)
	assert.Equal(t, session.StatusCancelled, resp.Last.Outcome)
	require.NotNil(t, resp.CooldownUntil)
	assert.Nil(t, resp.Pending)
	assert.Len(t, resp.Events, 1)

	assert.Equal(t, http.StatusNotFound, doReq(t, e.h, http.MethodGet, "/history/reboot", nil, "").Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, e.h, http.MethodGet, "/history/restart?limit=0", nil, "").Code)
}

func TestMetricsRoute(t *testing.T) {
	e := setup(t, "/api", WithMetrics())
	rec := doReq(t, e.h, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewServerBindsAddress(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := session.NewManager()
	defer m.Close()
	srv, err := NewServer("127.0.0.1:0", NewRouter(m, "/api"), nil)
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	resp, err := http.Get("http://" + srv.Addr + "/api/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = NewServer(srv.Addr, NewRouter(m, ""), nil)
	assert.Error(t, err, "address already in use")
}

func TestBearerAuth(t *testing.T) {
	svc, err := auth.NewService("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	e := setup(t, "/api", WithAuth(svc), WithOwners([]string{"1"}))

	rec := doReq(t, e.h, http.MethodGet, "/api/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code, "health stays open")

	rec = doReq(t, e.h, http.MethodPost, "/api/sessions", beginReq{Action: "restart"}, "1")
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "headers alone are not trusted")

	tok, _, err := svc.Issue(session.Actor{ID: "1", Label: "owner"}, time.Minute)
	require.NoError(t, err)
	b, _ := json.Marshal(beginReq{Action: "restart"})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("X-Actor-ID", "999")
	rec = httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	s := decode[session.Session](t, rec)
	assert.Equal(t, session.Actor{ID: "1", Label: "owner"}, s.RequestedBy)
}
