// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/intercept-relay/config.toml",
	"configs/config.toml",
}

// schemePattern is the RFC 3986 scheme grammar.
var schemePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.\-]*$`)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config        string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host          string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port          int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel      string `kong:"help='Log level: trace|debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	VirtualScheme string `kong:"help='Virtual address scheme to intercept (overrides config).',env='VIRTUAL_SCHEME'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Scheme   SchemeConfig   `toml:"scheme"`
	Upstream UpstreamConfig `toml:"upstream"`
	Cache    CacheConfig    `toml:"cache"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// SchemeConfig names the virtual scheme callers use and the real scheme it maps to.
type SchemeConfig struct {
	Virtual string `toml:"virtual"`
	Real    string `toml:"real"`
}

// UpstreamConfig holds outbound connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
	ChunkBytes      int `toml:"chunk_bytes"`
}

// CacheConfig lists the static responses served without a fetch.
type CacheConfig struct {
	// File is an optional YAML file with more entries.
	File    string             `toml:"file"`
	Entries []CacheEntryConfig `toml:"entries"`
}

// CacheEntryConfig is one pre-baked response keyed by its real address.
type CacheEntryConfig struct {
	URL      string            `toml:"url" yaml:"url"`
	Status   int               `toml:"status" yaml:"status"`
	Headers  map[string]string `toml:"headers" yaml:"headers"`
	Body     string            `toml:"body" yaml:"body"`
	BodyFile string            `toml:"body_file" yaml:"body_file"`
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

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/intercept-relay/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.VirtualScheme != "" {
		c.Scheme.Virtual = cli.VirtualScheme
	}
}

func (c *Config) validate() error {
	// Schemes: both optional (defaults apply), but must be well-formed and distinct.
	if c.Scheme.Virtual != "" && !schemePattern.MatchString(c.Scheme.Virtual) {
		return fmt.Errorf("scheme.virtual is not a valid URL scheme; got %q", c.Scheme.Virtual)
	}
	switch strings.ToLower(c.Scheme.Real) {
	case "http", "https", "":
		// valid
	default:
		return fmt.Errorf("scheme.real must be http or https; got %q", c.Scheme.Real)
	}
	virtual := strings.ToLower(c.Scheme.Virtual)
	if virtual == "http" || virtual == "https" {
		return fmt.Errorf("scheme.virtual must not be a network scheme; got %q", c.Scheme.Virtual)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
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
	if c.Upstream.ChunkBytes < 0 {
		return fmt.Errorf("upstream.chunk_bytes must be non-negative; got %d", c.Upstream.ChunkBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Cache entries. Deeper checks (duplicates, status range) happen when the table is built.
	for i, e := range c.Cache.Entries {
		if e.URL == "" {
			return fmt.Errorf("cache.entries[%d].url is required", i)
		}
		if _, err := url.Parse(e.URL); err != nil {
			return fmt.Errorf("cache.entries[%d].url is not a valid URL: %w", i, err)
		}
		if e.Body != "" && e.BodyFile != "" {
			return fmt.Errorf("cache.entries[%d]: body and body_file are mutually exclusive", i)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "trace", "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: trace, debug, info, warn, error; got %q", c.Log.Level)
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
		for _, reserved := range ReservedPaths {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// ReservedPaths are the routes the service itself serves.
var ReservedPaths = []string{"/healthz", "/relay", "/_intercept"}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Scheme.Virtual == "" {
		c.Scheme.Virtual = "virtual"
	}
	if c.Scheme.Real == "" {
		c.Scheme.Real = "https"
	}
	c.Scheme.Virtual = strings.ToLower(c.Scheme.Virtual)
	c.Scheme.Real = strings.ToLower(c.Scheme.Real)
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.ChunkBytes == 0 {
		c.Upstream.ChunkBytes = 32 * 1024
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
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Dir returns the directory of the loaded config file, used to resolve
// relative cache paths. Empty when the config was not loaded from disk.
func (c *Config) Dir() string {
	if c.filePath == "" {
		return ""
	}
	return filepath.Dir(c.filePath)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
