// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/prefix-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host         string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port         int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Prefix       string `kong:"help='External path prefix, e.g. /notebook/user/app/ (overrides config).',env='NB_PREFIX'"`
	PrefixHeader string `kong:"help='Request header carrying a per-request prefix (overrides config).',env='PREFIX_HEADER'"`
	UpstreamHost string `kong:"help='Upstream app host (overrides config).',env='UPSTREAM_HOST'"`
	UpstreamPort int    `kong:"help='Upstream app port (overrides config).',env='UPSTREAM_PORT'"`
	Timeout      int    `kong:"help='Seconds to wait for upstream response headers (overrides config).',env='REQUEST_TIMEOUT'"`
	LogLevel     string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	AdminPrefix  string `kong:"help='Path under which the proxy serves its own endpoints (overrides config).',env='ADMIN_PREFIX'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Prefix    PrefixConfig    `toml:"prefix"`
	Upstream  UpstreamConfig  `toml:"upstream"`
	Rewrite   RewriteConfig   `toml:"rewrite"`
	WebSocket WebSocketConfig `toml:"websocket"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"`           // 0 means "use default" (8888)
	BodyMaxBytes int64           `toml:"body_max_bytes"` // 0 means unlimited
	AdminPrefix  string          `toml:"admin_prefix"`   // "" serves /healthz etc. at the root
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// PrefixConfig selects where the external path prefix comes from.
type PrefixConfig struct {
	Value  string `toml:"value"`
	Header string `toml:"header"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	TimeoutSeconds  int      `toml:"timeout_seconds"`
	IdleConnections int      `toml:"idle_connections"`
	WebSocketPaths  []string `toml:"websocket_paths"`
	RewriteOrigin   bool     `toml:"rewrite_origin"`
}

// RewriteConfig controls response body rewriting.
type RewriteConfig struct {
	Disabled     bool   `toml:"disabled"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
	RulesFile    string `toml:"rules_file"`
}

// WebSocketConfig holds relay settings.
type WebSocketConfig struct {
	PingIntervalSeconds int   `toml:"ping_interval_seconds"`
	MaxMessageBytes     int64 `toml:"max_message_bytes"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// reservedRoutes are served by the proxy itself and never forwarded.
var reservedRoutes = []string{"/healthz", "/proxy/status"}

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/prefix-proxy/config.toml then configs/config.toml, and falls back to
// defaults when neither exists: the hosting platform configures the proxy
// through the environment alone.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Prefix != "" {
		c.Prefix.Value = cli.Prefix
	}
	if cli.PrefixHeader != "" {
		c.Prefix.Header = cli.PrefixHeader
	}
	if cli.UpstreamHost != "" {
		c.Upstream.Host = cli.UpstreamHost
	}
	if cli.UpstreamPort != 0 {
		c.Upstream.Port = cli.UpstreamPort
	}
	if cli.Timeout != 0 {
		c.Upstream.TimeoutSeconds = cli.Timeout
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.AdminPrefix != "" {
		c.Server.AdminPrefix = cli.AdminPrefix
	}
}

// validate rejects settings the proxy cannot run with. The prefix is not
// checked here: a malformed prefix degrades to root at resolution time.
func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Upstream.Port < 0 || c.Upstream.Port > 65535 {
		return fmt.Errorf("upstream.port must be 0–65535; got %d", c.Upstream.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Rewrite.MaxBodyBytes < 0 {
		return fmt.Errorf("rewrite.max_body_bytes must be non-negative; got %d", c.Rewrite.MaxBodyBytes)
	}
	if c.WebSocket.PingIntervalSeconds < 0 {
		return fmt.Errorf("websocket.ping_interval_seconds must be non-negative; got %d", c.WebSocket.PingIntervalSeconds)
	}
	if c.WebSocket.MaxMessageBytes < 0 {
		return fmt.Errorf("websocket.max_message_bytes must be non-negative; got %d", c.WebSocket.MaxMessageBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	if h := c.Upstream.Host; strings.ContainsAny(h, "/?# ") || (strings.Contains(h, ":") && net.ParseIP(h) == nil) {
		return fmt.Errorf("upstream.host must be a bare host name or IP; got %q", c.Upstream.Host)
	}
	for _, p := range c.Upstream.WebSocketPaths {
		if p == "" || p[0] != '/' {
			return fmt.Errorf("upstream.websocket_paths entries must start with '/'; got %q", p)
		}
	}
	if p := c.Server.AdminPrefix; p != "" && (p[0] != '/' || strings.HasSuffix(p, "/") || strings.ContainsAny(p, "?# ")) {
		return fmt.Errorf("server.admin_prefix must start with '/' and not end with one; got %q", p)
	}
	if h := c.Prefix.Header; h != "" && strings.ContainsAny(h, " :\t\r\n") {
		return fmt.Errorf("prefix.header is not a valid header name; got %q", h)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, route := range reservedRoutes {
			reserved := c.Server.AdminRoute(route)
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8888
	}
	if c.Upstream.Host == "" {
		c.Upstream.Host = "127.0.0.1"
	}
	if c.Upstream.Port == 0 {
		c.Upstream.Port = 8188
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if len(c.Upstream.WebSocketPaths) == 0 {
		c.Upstream.WebSocketPaths = []string{"/ws"}
	}
	if c.Rewrite.MaxBodyBytes == 0 {
		c.Rewrite.MaxBodyBytes = 16 * 1024 * 1024 // 16 MB
	}
	if c.WebSocket.PingIntervalSeconds == 0 {
		c.WebSocket.PingIntervalSeconds = 30
	}
	if c.WebSocket.MaxMessageBytes == 0 {
		c.WebSocket.MaxMessageBytes = 64 * 1024 * 1024 // 64 MB, previews are sent as binary frames
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// AdminRoute returns the path of one of the proxy's own endpoints.
func (c *ServerConfig) AdminRoute(route string) string {
	return c.AdminPrefix + route
}

// Addr returns the upstream address as host:port.
func (c *UpstreamConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Timeout returns the upstream response header timeout.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PingInterval returns the WebSocket keepalive interval.
func (c *WebSocketConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
