package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/opsgate/internal/logger"
	"github.com/loykin/opsgate/internal/session"
)

// EnvPrefix is prepended to every environment override, e.g.
// OPSGATE_SERVER_LISTEN for server.listen.
const EnvPrefix = "OPSGATE"

// Config represents the TOML file merged with environment overrides.
type Config struct {
	Git      GitConfig         `mapstructure:"git"`
	Sessions session.Durations `mapstructure:"sessions"`
	Server   ServerConfig      `mapstructure:"server"`
	Notify   NotifyConfig      `mapstructure:"notify"`
	Log      logger.Config     `mapstructure:"log"`
	Metrics  MetricsConfig     `mapstructure:"metrics"`
	History  HistoryConfig     `mapstructure:"history"`
	Launch   LaunchConfig      `mapstructure:"launch"`
}

type GitConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	RepoPath        string `mapstructure:"repo_path"`
	Remote          string `mapstructure:"remote"`
	IntervalMinutes int    `mapstructure:"interval_minutes"`
}

// Interval returns the poll period. Values below one minute are raised to it.
func (g GitConfig) Interval() time.Duration {
	if g.IntervalMinutes < 1 {
		return time.Minute
	}
	return time.Duration(g.IntervalMinutes) * time.Minute
}

type ServerConfig struct {
	Listen   string     `mapstructure:"listen"`
	BasePath string     `mapstructure:"base_path"`
	Owners   []string   `mapstructure:"owners"`
	TLS      TLSConfig  `mapstructure:"tls"`
	Auth     AuthConfig `mapstructure:"auth"`
}

// AuthConfig requires HS256 bearer tokens on the API. Tokens are minted with
// "opsgate token issue" using the same secret.
type AuthConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// TLSConfig serves the API over HTTPS. CertFile/KeyFile win over Dir; with
// AutoGenerate a self-signed pair is written to Dir when it is missing.
type TLSConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	CommonName   string   `mapstructure:"common_name"`
	Hosts        []string `mapstructure:"hosts"`
	ValidDays    int      `mapstructure:"valid_days"`
	MinVersion   string   `mapstructure:"min_version"`
}

// NotifyConfig names where update prompts are delivered. An empty channel
// disables update notifications.
type NotifyConfig struct {
	Channel string `mapstructure:"channel"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type HistoryConfig struct {
	DSNs    []string      `mapstructure:"dsns"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LaunchConfig describes the worker started by "opsgate launch". An empty
// command re-executes the running binary with "serve".
type LaunchConfig struct {
	Command      string        `mapstructure:"command"`
	Args         []string      `mapstructure:"args"`
	Dir          string        `mapstructure:"dir"`
	Env          []string      `mapstructure:"env"`
	EnvFiles     []string      `mapstructure:"env_files"`
	RestartDelay time.Duration `mapstructure:"restart_delay"`
	StopGrace    time.Duration `mapstructure:"stop_grace"`
}

// legacyEnv binds the variable names used by earlier chat-bot deployments.
var legacyEnv = map[string]string{
	"git.interval_minutes": "GIT_POLL_INTERVAL_MINUTES",
	"notify.channel":       "UPDATE_CHANNEL_ID",
	"server.owners":        "BOT_OWNER_IDS",
}

func setDefaults(v *viper.Viper) {
	d := session.DefaultDurations()
	v.SetDefault("git.enabled", true)
	v.SetDefault("git.repo_path", ".")
	v.SetDefault("git.remote", "")
	v.SetDefault("git.interval_minutes", 5)
	v.SetDefault("sessions.session", d.Session)
	v.SetDefault("sessions.after_approved", d.AfterApproved)
	v.SetDefault("sessions.after_cancelled", d.AfterCancelled)
	v.SetDefault("sessions.after_expired", d.AfterExpired)
	v.SetDefault("server.listen", "127.0.0.1:8765")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.owners", []string{})
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.common_name", "localhost")
	v.SetDefault("server.tls.hosts", []string{"localhost", "127.0.0.1"})
	v.SetDefault("server.tls.valid_days", 365)
	v.SetDefault("server.tls.min_version", "1.2")
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.secret", "")
	v.SetDefault("server.auth.token_ttl", 30*24*time.Hour)
	v.SetDefault("notify.channel", "log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.stdout", "")
	v.SetDefault("log.file.stderr", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("history.dsns", []string{})
	v.SetDefault("history.timeout", 10*time.Second)
	v.SetDefault("launch.command", "")
	v.SetDefault("launch.args", []string{})
	v.SetDefault("launch.dir", "")
	v.SetDefault("launch.env", []string{})
	v.SetDefault("launch.env_files", []string{})
	v.SetDefault("launch.restart_delay", time.Second)
	v.SetDefault("launch.stop_grace", 10*time.Second)
}

// Load reads path (TOML) when it is non-empty and applies defaults and
// environment overrides. OPSGATE_* variables win over the legacy names.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, name := range legacyEnv {
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, name); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Server.Owners = splitList(cfg.Server.Owners)
	cfg.History.DSNs = splitList(cfg.History.DSNs)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Git.Enabled && c.Git.RepoPath == "" {
		errs = append(errs, errors.New("git.repo_path is required when git is enabled"))
	}
	if c.Git.IntervalMinutes < 0 {
		errs = append(errs, fmt.Errorf("git.interval_minutes must not be negative, got %d", c.Git.IntervalMinutes))
	}
	for name, d := range map[string]time.Duration{
		"sessions.session":         c.Sessions.Session,
		"sessions.after_approved":  c.Sessions.AfterApproved,
		"sessions.after_cancelled": c.Sessions.AfterCancelled,
		"sessions.after_expired":   c.Sessions.AfterExpired,
		"launch.restart_delay":     c.Launch.RestartDelay,
		"launch.stop_grace":        c.Launch.StopGrace,
		"server.auth.token_ttl":    c.Server.Auth.TokenTTL,
		"history.timeout":          c.History.Timeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	if t := c.Server.TLS; t.Enabled && (t.CertFile == "") != (t.KeyFile == "") {
		errs = append(errs, errors.New("server.tls.cert_file and server.tls.key_file must be set together"))
	}
	if t := c.Server.TLS; t.Enabled && t.CertFile == "" && t.Dir == "" {
		errs = append(errs, errors.New("server.tls needs cert_file/key_file or dir"))
	}
	if c.Server.Auth.Enabled && len(c.Server.Auth.Secret) < 32 {
		errs = append(errs, errors.New("server.auth.secret must be at least 32 bytes when auth is enabled"))
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path must start with '/', got %q", c.Server.BasePath))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == c.Server.Listen && c.Metrics.Listen != "" {
		errs = append(errs, errors.New("metrics.listen must differ from server.listen; leave it empty to serve /metrics on the API listener"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	// errors are sorted so messages are stable across map iteration
	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return errors.Join(errs...)
}

// IsOwner reports whether id may run mutating operations. With no owners
// configured everyone may.
func (s ServerConfig) IsOwner(id string) bool {
	if len(s.Owners) == 0 {
		return true
	}
	for _, o := range s.Owners {
		if o == id {
			return true
		}
	}
	return false
}

// Environ merges env_files (in order) and then env, later entries winning.
// The result holds only the configured variables, not the OS environment.
func (l LaunchConfig) Environ() ([]string, error) {
	m := make(map[string]string)
	for _, p := range l.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range l.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines. Blank lines and lines starting with #
// are ignored; there is no quoting or export support.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}

// splitList flattens comma separated entries, as produced by env overrides
// such as BOT_OWNER_IDS="1,2".
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
