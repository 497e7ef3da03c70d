package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Client talks to the opsgate daemon's HTTP API.
type Client struct {
	baseURL string
	actor   Actor
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Actor    Actor        // sent as X-Actor-ID / X-Actor-Label
	Token    string       // bearer token; the daemon ignores Actor when auth is enabled
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig is used when the daemon, or a proxy in front of it, serves HTTPS.
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
}

const defaultBaseURL = "http://127.0.0.1:8765/api"

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: defaultBaseURL,
		Timeout: 2 * time.Minute,
	}
}

// APIError is returned for any non-2xx answer.
type APIError struct {
	StatusCode int
	ErrorResponse
}

func (e *APIError) Error() string {
	if e.Message() == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message())
}

func (e *APIError) Message() string { return e.ErrorResponse.Error }

func statusIs(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

// IsCooldown reports a session request rejected because the action is cooling down.
func IsCooldown(err error) bool { return statusIs(err, http.StatusTooManyRequests) }

// IsActive reports a session request rejected because one is already pending.
func IsActive(err error) bool { return statusIs(err, http.StatusConflict) }

// IsNotFound reports an unknown or already handled session.
func IsNotFound(err error) bool { return statusIs(err, http.StatusNotFound) }

// IsBadRequest reports a request the daemon rejected as malformed.
func IsBadRequest(err error) bool { return statusIs(err, http.StatusBadRequest) }

// IsExpired reports a session whose window has passed.
func IsExpired(err error) bool { return statusIs(err, http.StatusGone) }

// New creates a new opsgate API client.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 2 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, fmt.Errorf("tls setup: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: config.BaseURL,
		actor:   config.Actor,
		token:   config.Token,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

func (c *Client) SyncStatus(ctx context.Context) (SyncState, error) {
	var out SyncState
	err := c.do(ctx, http.MethodGet, "/sync/status", nil, &out)
	return out, err
}

// CheckNow asks the daemon to poll the remote immediately.
func (c *Client) CheckNow(ctx context.Context) (SyncStatus, error) {
	var out SyncStatus
	err := c.do(ctx, http.MethodPost, "/sync/check", nil, &out)
	return out, err
}

func (c *Client) PendingCommits(ctx context.Context) (PendingCommits, error) {
	var out PendingCommits
	err := c.do(ctx, http.MethodGet, "/sync/pending", nil, &out)
	return out, err
}

// ApplyUpdates pulls and pushes; the daemon restarts afterwards.
func (c *Client) ApplyUpdates(ctx context.Context) (ApplyResult, error) {
	var out ApplyResult
	err := c.do(ctx, http.MethodPost, "/sync/apply", nil, &out)
	return out, err
}

func (c *Client) DismissUpdate(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/sync/dismiss", nil, nil)
}

// BeginSession opens a confirmation session for action (restart or shutdown).
func (c *Client) BeginSession(ctx context.Context, action string) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodPost, "/sessions", map[string]string{"action": action}, &out)
	return out, err
}

func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) ApproveSession(ctx context.Context, id string) (Outcome, error) {
	var out Outcome
	err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/approve", nil, &out)
	return out, err
}

// CancelSession cancels id; reason is optional.
func (c *Client) CancelSession(ctx context.Context, id, reason string) (Outcome, error) {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	var out Outcome
	err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/cancel", body, &out)
	return out, err
}

// AnswerCallback resolves a session by one of the callback ids returned from
// BeginSession.
func (c *Client) AnswerCallback(ctx context.Context, cid string) (Outcome, error) {
	var out Outcome
	err := c.do(ctx, http.MethodPost, "/callbacks/"+url.PathEscape(cid), nil, &out)
	return out, err
}

func (c *Client) History(ctx context.Context, action string, limit int) (History, error) {
	path := "/history/" + url.PathEscape(action)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out History
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 -- explicit opt-in
	}
	if config.TLS == nil {
		return tlsConfig, nil
	}
	if config.TLS.ServerName != "" {
		tlsConfig.ServerName = config.TLS.ServerName
	}
	if config.TLS.CACert != "" {
		if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return nil
}

// do sends body as JSON (when non-nil) and decodes a 2xx answer into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor.ID != "" {
		req.Header.Set("X-Actor-ID", c.actor.ID)
	}
	if c.actor.Label != "" {
		req.Header.Set("X-Actor-Label", c.actor.Label)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	ae := &APIError{StatusCode: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(&ae.ErrorResponse); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", ae.Message(), "status", resp.StatusCode)
	return ae
}
