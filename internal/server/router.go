package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"github.com/loykin/opsgate/internal/auth"
	"github.com/loykin/opsgate/internal/gitsync"
	"github.com/loykin/opsgate/internal/history"
	"github.com/loykin/opsgate/internal/metrics"
	"github.com/loykin/opsgate/internal/session"
)

// Router exposes the sync monitor and the confirmation sessions over HTTP.
// Endpoints (relative to basePath):
//
//	GET  /healthz
//	GET  /sync/status             last poll result
//	POST /sync/check              poll now
//	GET  /sync/pending            commit summaries for the last poll
//	POST /sync/apply              pull, push and request a restart
//	POST /sync/dismiss            drop the live update prompt
//	POST /sessions                body: {"action":"restart"}
//	GET  /sessions/:id
//	POST /sessions/:id/approve
//	POST /sessions/:id/cancel     body: {"reason":"..."} (optional)
//	POST /callbacks/:cid          power:<action>:<confirm|cancel>:<id>
//	GET  /history/:action         query: limit=N
//
// The caller is identified by a bearer token when auth is enabled and by the
// X-Actor-ID and X-Actor-Label headers otherwise.
type Router struct {
	sessions *session.Manager
	sync     Syncer
	updates  Updater
	history  history.Reader
	owners   map[string]bool
	metrics  bool
	basePath string
	logger   *slog.Logger
	auth     *auth.Service
	clock    clockwork.Clock
}

// Syncer is the read side of gitsync.Monitor.
type Syncer interface {
	LastStatus() (gitsync.Status, bool)
	Notified() bool
	CheckForRemoteChanges(ctx context.Context) (gitsync.Status, error)
	PendingCommitSummaries(ctx context.Context, st gitsync.Status) []gitsync.Commit
}

// Updater applies or dismisses an update on behalf of an operator.
type Updater interface {
	ConfirmUpdate(ctx context.Context, actor session.Actor) (gitsync.ApplyResult, error)
	DismissUpdate(ctx context.Context, actor session.Actor)
}

type Option func(*Router)

// WithSync enables the /sync endpoints. Without it they answer 503.
func WithSync(s Syncer, u Updater) Option {
	return func(r *Router) { r.sync, r.updates = s, u }
}

// WithHistory lets /history include exported events.
func WithHistory(h history.Reader) Option { return func(r *Router) { r.history = h } }

// WithOwners restricts mutating endpoints to the listed actor ids.
func WithOwners(ids []string) Option {
	return func(r *Router) {
		for _, id := range ids {
			if r.owners == nil {
				r.owners = make(map[string]bool)
			}
			r.owners[id] = true
		}
	}
}

// WithMetrics mounts the Prometheus handler at /metrics.
func WithMetrics() Option { return func(r *Router) { r.metrics = true } }

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

// WithClock sets the clock used for Retry-After; pass the session manager's.
func WithClock(c clockwork.Clock) Option { return func(r *Router) { r.clock = c } }

// WithAuth requires a bearer token on every endpoint except /healthz and takes
// the actor from the token instead of the X-Actor headers.
func WithAuth(a *auth.Service) Option { return func(r *Router) { r.auth = a } }

// NewRouter constructs a Router. basePath may be empty or start with '/'.
func NewRouter(sessions *session.Manager, basePath string, opts ...Option) *Router {
	r := &Router{sessions: sessions, basePath: sanitizeBase(basePath), logger: slog.Default(), clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group = group.Group("")
	if r.auth != nil {
		group.Use(r.auth.GinAuth())
	}
	group.Use(r.actorMiddleware())

	sync := group.Group("/sync")
	sync.GET("/status", r.handleSyncStatus)
	sync.GET("/pending", r.handleSyncPending)
	sync.POST("/check", r.requireOwner(), r.handleSyncCheck)
	sync.POST("/apply", r.requireOwner(), r.handleSyncApply)
	sync.POST("/dismiss", r.requireOwner(), r.handleSyncDismiss)

	sessions := group.Group("/sessions")
	sessions.POST("", r.requireOwner(), r.handleBegin)
	sessions.GET("/:id", r.handleGetSession)
	sessions.POST("/:id/approve", r.requireOwner(), r.handleApprove)
	sessions.POST("/:id/cancel", r.requireOwner(), r.handleCancel)

	group.POST("/callbacks/:cid", r.requireOwner(), r.handleCallback)
	group.GET("/history/:action", r.handleHistory)
	return g
}

// NewServer binds addr and serves this router in the background, over TLS
// when tlsCfg is non-nil. The returned server's Addr is the bound address, so
// ":0" can be used in tests.
func NewServer(addr string, r *Router, tlsCfg *tls.Config) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	server := &http.Server{
		TLSConfig:         tlsCfg,
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2 * time.Minute, // apply runs pull and push
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("HTTP server stopped", "addr", addr, "error", err)
		}
	}()
	return server, nil
}

// --- Responses ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type stageErrorResp struct {
	Error string        `json:"error"`
	Stage gitsync.Stage `json:"stage"`
}

type syncStatusResp struct {
	Checked  bool            `json:"checked"`
	Notified bool            `json:"notified"`
	Status   *gitsync.Status `json:"status,omitempty"`
}

type pendingResp struct {
	Status  gitsync.Status   `json:"status"`
	Commits []gitsync.Commit `json:"commits"`
}

type beginReq struct {
	Action string `json:"action"`
}

// beginResp is the session plus the ids a chat button would carry.
type beginResp struct {
	session.Session
	ConfirmCallback string `json:"confirm_callback"`
	CancelCallback  string `json:"cancel_callback"`
}

type cancelReq struct {
	Reason string `json:"reason"`
}

type activeResp struct {
	Error   string          `json:"error"`
	Session session.Session `json:"session"`
}

type cooldownResp struct {
	Error      string    `json:"error"`
	Until      time.Time `json:"until"`
	RetryAfter int       `json:"retry_after_seconds"`
}

type historyResp struct {
	Action        session.Action         `json:"action"`
	Pending       *session.Session       `json:"pending,omitempty"`
	Last          *session.HistoryRecord `json:"last,omitempty"`
	CooldownUntil *time.Time             `json:"cooldown_until,omitempty"`
	Events        []history.Event        `json:"events,omitempty"`
}

// --- Middleware ---

const actorKey = "opsgate.actor"

func (r *Router) actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a, ok := auth.ActorFrom(c); ok {
			c.Set(actorKey, a)
			c.Next()
			return
		}
		a := session.Actor{ID: c.GetHeader("X-Actor-ID"), Label: c.GetHeader("X-Actor-Label")}
		if a.Label == "" {
			a.Label = a.ID
		}
		if a.Label == "" {
			a.Label = c.ClientIP()
		}
		c.Set(actorKey, a)
		c.Next()
	}
}

func actorFrom(c *gin.Context) session.Actor {
	if v, ok := c.Get(actorKey); ok {
		if a, ok := v.(session.Actor); ok {
			return a
		}
	}
	return session.Actor{}
}

func (r *Router) requireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(r.owners) == 0 {
			c.Next()
			return
		}
		if a := actorFrom(c); !r.owners[a.ID] {
			r.logger.Warn("Rejected request from non-owner", "actor", a.ID, "path", c.FullPath())
			writeJSON(c, http.StatusForbidden, errorResp{Error: "only bot owners may use this command"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// --- Handlers ---

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) syncEnabled(c *gin.Context) bool {
	if r.sync == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "git monitoring is disabled"})
		return false
	}
	return true
}

func (r *Router) handleSyncStatus(c *gin.Context) {
	if !r.syncEnabled(c) {
		return
	}
	resp := syncStatusResp{Notified: r.sync.Notified()}
	if st, ok := r.sync.LastStatus(); ok {
		resp.Checked = true
		resp.Status = &st
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleSyncCheck(c *gin.Context) {
	if !r.syncEnabled(c) {
		return
	}
	st, err := r.sync.CheckForRemoteChanges(c.Request.Context())
	if err != nil {
		writeStageError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleSyncPending(c *gin.Context) {
	if !r.syncEnabled(c) {
		return
	}
	st, ok := r.sync.LastStatus()
	if !ok {
		writeJSON(c, http.StatusConflict, errorResp{Error: "no status yet; run a check first"})
		return
	}
	commits := r.sync.PendingCommitSummaries(c.Request.Context(), st)
	if commits == nil {
		commits = []gitsync.Commit{}
	}
	writeJSON(c, http.StatusOK, pendingResp{Status: st, Commits: commits})
}

func (r *Router) handleSyncApply(c *gin.Context) {
	if !r.syncEnabled(c) {
		return
	}
	res, err := r.updates.ConfirmUpdate(c.Request.Context(), actorFrom(c))
	if err != nil {
		writeStageError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleSyncDismiss(c *gin.Context) {
	if !r.syncEnabled(c) {
		return
	}
	r.updates.DismissUpdate(c.Request.Context(), actorFrom(c))
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func writeStageError(c *gin.Context, err error) {
	var se *gitsync.StageError
	if errors.As(err, &se) {
		writeJSON(c, http.StatusBadGateway, stageErrorResp{Error: err.Error(), Stage: se.Stage})
		return
	}
	writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
}

func (r *Router) handleBegin(c *gin.Context) {
	var req beginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Action == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "action required"})
		return
	}
	s, err := r.sessions.BeginSession(session.Action(req.Action), actorFrom(c))
	if err != nil {
		var cd *session.CooldownError
		var active *session.ActiveSessionError
		switch {
		case errors.As(err, &cd):
			wait := int(math.Ceil(cd.Until.Sub(r.clock.Now()).Seconds()))
			if wait < 1 {
				wait = 1
			}
			c.Header("Retry-After", strconv.Itoa(wait))
			writeJSON(c, http.StatusTooManyRequests, cooldownResp{Error: err.Error(), Until: cd.Until, RetryAfter: wait})
		case errors.As(err, &active):
			writeJSON(c, http.StatusConflict, activeResp{Error: err.Error(), Session: active.Session})
		case errors.Is(err, session.ErrUnknownAction):
			writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		default:
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		}
		return
	}
	resp := beginResp{Session: s}
	resp.ConfirmCallback, resp.CancelCallback = s.CallbackIDs()
	writeJSON(c, http.StatusCreated, resp)
}

func (r *Router) sessionID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !isSafeID(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid session id"})
		return "", false
	}
	return id, true
}

func (r *Router) handleGetSession(c *gin.Context) {
	id, ok := r.sessionID(c)
	if !ok {
		return
	}
	s, found := r.sessions.Get(id)
	if !found {
		writeJSON(c, http.StatusNotFound, errorResp{Error: session.ErrNotFound.Error()})
		return
	}
	writeJSON(c, http.StatusOK, s)
}

func (r *Router) handleApprove(c *gin.Context) {
	id, ok := r.sessionID(c)
	if !ok {
		return
	}
	out, err := r.sessions.ResolveSession(id, true, actorFrom(c))
	writeOutcome(c, out, err)
}

func (r *Router) handleCancel(c *gin.Context) {
	id, ok := r.sessionID(c)
	if !ok {
		return
	}
	var req cancelReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return
		}
	}
	var (
		out session.Outcome
		err error
	)
	if req.Reason != "" {
		out, err = r.sessions.CancelSession(id, actorFrom(c), req.Reason)
	} else {
		out, err = r.sessions.ResolveSession(id, false, actorFrom(c))
	}
	writeOutcome(c, out, err)
}

func (r *Router) handleCallback(c *gin.Context) {
	cid := c.Param("cid")
	if len(cid) > 256 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: session.ErrInvalidCallback.Error()})
		return
	}
	out, err := r.sessions.AnswerCallback(cid, actorFrom(c))
	switch {
	case errors.Is(err, session.ErrInvalidCallback):
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
	case errors.Is(err, session.ErrUnknownAction):
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown action"})
	default:
		writeOutcome(c, out, err)
	}
}

func writeOutcome(c *gin.Context, out session.Outcome, err error) {
	switch {
	case err == nil:
		writeJSON(c, http.StatusOK, out)
	case errors.Is(err, session.ErrExpired):
		writeJSON(c, http.StatusGone, errorResp{Error: "This confirmation has expired."})
	case errors.Is(err, session.ErrNotFound):
		writeJSON(c, http.StatusNotFound, errorResp{Error: "This confirmation has already been handled or has expired."})
	default:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	}
}

func (r *Router) handleHistory(c *gin.Context) {
	name := c.Param("action")
	if !isSafeID(name) || !r.sessions.Known(session.Action(name)) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown action"})
		return
	}
	action := session.Action(name)
	limit := 20
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	resp := historyResp{Action: action}
	if s, ok := r.sessions.Pending(action); ok {
		resp.Pending = &s
	}
	if rec, ok := r.sessions.LastOutcome(action); ok {
		resp.Last = &rec
	}
	if until, ok := r.sessions.CooldownUntil(action); ok {
		resp.CooldownUntil = &until
	}
	if r.history != nil {
		events, err := r.history.Recent(c.Request.Context(), name, limit)
		if err != nil {
			r.logger.Warn("History query failed", "action", name, "error", err)
		} else {
			resp.Events = events
		}
	}
	writeJSON(c, http.StatusOK, resp)
}
