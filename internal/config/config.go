// ABOUTME: Configuration loading and parsing for fleetsync
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config
// file location.
const EnvConfigPath = "FLEETSYNC_CONFIG"

// Config represents the complete fleetsync configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	Connection ConnectionConfig `yaml:"connection" toml:"connection"`
	Debounce   DebounceConfig   `yaml:"debounce" toml:"debounce"`
	Poller     PollerConfig     `yaml:"poller" toml:"poller"`
	Cache      CacheConfig      `yaml:"cache" toml:"cache"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

// ServerConfig holds backend endpoints
type ServerConfig struct {
	PushURL     string `yaml:"push_url" toml:"push_url"`
	SnapshotURL string `yaml:"snapshot_url" toml:"snapshot_url"`
	ProbeURL    string `yaml:"probe_url,omitempty" toml:"probe_url,omitempty"`
}

// AuthConfig holds the credential. Token wins over TokenFile.
type AuthConfig struct {
	Token     string `yaml:"token,omitempty" toml:"token,omitempty"`
	TokenFile string `yaml:"token_file,omitempty" toml:"token_file,omitempty"`
}

// ConnectionConfig holds push connection timing and retry policy
type ConnectionConfig struct {
	KeepaliveInterval time.Duration `yaml:"-" toml:"-"`
	PongTimeout       time.Duration `yaml:"-" toml:"-"`
	AuthSettle        time.Duration `yaml:"-" toml:"-"`
	ReconnectDelay    time.Duration `yaml:"-" toml:"-"`
	MaxDelay          time.Duration `yaml:"-" toml:"-"`

	MaxAttempts        int    `yaml:"max_attempts" toml:"max_attempts"`
	Backoff            string `yaml:"backoff" toml:"backoff"`
	RetryOnNormalClose *bool  `yaml:"retry_on_normal_close,omitempty" toml:"retry_on_normal_close,omitempty"`

	// Raw string values for unmarshaling
	KeepaliveIntervalRaw string `yaml:"keepalive_interval" toml:"keepalive_interval"`
	PongTimeoutRaw       string `yaml:"pong_timeout" toml:"pong_timeout"`
	AuthSettleRaw        string `yaml:"auth_settle" toml:"auth_settle"`
	ReconnectDelayRaw    string `yaml:"reconnect_delay" toml:"reconnect_delay"`
	MaxDelayRaw          string `yaml:"max_delay" toml:"max_delay"`
}

// DebounceConfig holds location debounce timing
type DebounceConfig struct {
	LocationWindow time.Duration `yaml:"-" toml:"-"`
	// MaxWait caps how long a continuously updated agent can go without
	// an applied position. Zero disables the cap.
	MaxWait time.Duration `yaml:"-" toml:"-"`

	LocationWindowRaw string `yaml:"location_window" toml:"location_window"`
	MaxWaitRaw        string `yaml:"max_wait" toml:"max_wait"`
}

// PollerConfig holds fallback polling timing
type PollerConfig struct {
	Interval       time.Duration `yaml:"-" toml:"-"`
	RequestTimeout time.Duration `yaml:"-" toml:"-"`

	IntervalRaw       string `yaml:"interval" toml:"interval"`
	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
}

// CacheConfig holds the warm-start cache location. An empty path disables it.
type CacheConfig struct {
	Path string `yaml:"path,omitempty" toml:"path,omitempty"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every optional field set.
func Default() *Config {
	cfg := &Config{
		Connection: ConnectionConfig{
			KeepaliveInterval: 30 * time.Second,
			PongTimeout:       10 * time.Second,
			AuthSettle:        time.Second,
			ReconnectDelay:    2 * time.Second,
			MaxDelay:          30 * time.Second,
			MaxAttempts:       5,
			Backoff:           "fixed",
		},
		Debounce: DebounceConfig{
			LocationWindow: 500 * time.Millisecond,
			MaxWait:        2 * time.Second,
		},
		Poller: PollerConfig{
			Interval:       10 * time.Second,
			RequestTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
	retry := true
	cfg.Connection.RetryOnNormalClose = &retry
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// Unset fields keep the values from Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML(path) {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Path returns the config file to use: $FLEETSYNC_CONFIG, then
// $XDG_CONFIG_HOME/fleetsync/config.yaml, then ~/.config/fleetsync/config.yaml.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "fleetsync", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "fleetsync", "config.yaml")
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyDefaults fills every field the file left unset.
func (c *Config) applyDefaults() {
	d := Default()

	setDuration := func(dst *time.Duration, raw string, def time.Duration) {
		if raw == "" {
			*dst = def
		}
	}
	setDuration(&c.Connection.KeepaliveInterval, c.Connection.KeepaliveIntervalRaw, d.Connection.KeepaliveInterval)
	setDuration(&c.Connection.PongTimeout, c.Connection.PongTimeoutRaw, d.Connection.PongTimeout)
	setDuration(&c.Connection.AuthSettle, c.Connection.AuthSettleRaw, d.Connection.AuthSettle)
	setDuration(&c.Connection.ReconnectDelay, c.Connection.ReconnectDelayRaw, d.Connection.ReconnectDelay)
	setDuration(&c.Connection.MaxDelay, c.Connection.MaxDelayRaw, d.Connection.MaxDelay)
	setDuration(&c.Debounce.LocationWindow, c.Debounce.LocationWindowRaw, d.Debounce.LocationWindow)
	setDuration(&c.Poller.Interval, c.Poller.IntervalRaw, d.Poller.Interval)
	setDuration(&c.Poller.RequestTimeout, c.Poller.RequestTimeoutRaw, d.Poller.RequestTimeout)
	// Max wait follows the window unless set, and "0" turns it off.
	if c.Debounce.MaxWaitRaw == "" {
		c.Debounce.MaxWait = 4 * c.Debounce.LocationWindow
	}

	if c.Connection.MaxAttempts == 0 {
		c.Connection.MaxAttempts = d.Connection.MaxAttempts
	}
	if c.Connection.Backoff == "" {
		c.Connection.Backoff = d.Connection.Backoff
	}
	if c.Connection.RetryOnNormalClose == nil {
		c.Connection.RetryOnNormalClose = d.Connection.RetryOnNormalClose
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.PushURL == "" {
		return errors.New("server.push_url is required")
	}
	if err := checkURL("server.push_url", c.Server.PushURL, "ws", "wss"); err != nil {
		return err
	}
	if c.Server.SnapshotURL == "" {
		return errors.New("server.snapshot_url is required")
	}
	if err := checkURL("server.snapshot_url", c.Server.SnapshotURL, "http", "https"); err != nil {
		return err
	}
	if c.Server.ProbeURL != "" {
		if err := checkURL("server.probe_url", c.Server.ProbeURL, "http", "https"); err != nil {
			return err
		}
	}

	if c.Auth.Token == "" && c.Auth.TokenFile == "" {
		return errors.New("auth.token or auth.token_file is required")
	}

	if c.Connection.MaxAttempts < 0 {
		return errors.New("connection.max_attempts must not be negative")
	}
	switch c.Connection.Backoff {
	case "fixed", "exponential":
	default:
		return fmt.Errorf("connection.backoff must be fixed or exponential, got %q", c.Connection.Backoff)
	}
	if c.Connection.KeepaliveInterval <= 0 {
		return errors.New("connection.keepalive_interval must be positive")
	}
	if c.Connection.PongTimeout <= 0 {
		return errors.New("connection.pong_timeout must be positive")
	}
	if c.Debounce.LocationWindow < 0 || c.Debounce.MaxWait < 0 {
		return errors.New("debounce durations must not be negative")
	}
	if c.Poller.Interval <= 0 {
		return errors.New("poller.interval must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func checkURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use %s scheme", field, strings.Join(schemes, " or "))
}

// ResolveToken returns the configured token, reading token_file if needed.
func (c *Config) ResolveToken() (string, error) {
	if c.Auth.Token != "" {
		return c.Auth.Token, nil
	}
	if c.Auth.TokenFile == "" {
		return "", errors.New("no token configured")
	}
	data, err := os.ReadFile(c.Auth.TokenFile)
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", c.Auth.TokenFile)
	}
	return token, nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"connection.keepalive_interval", cfg.Connection.KeepaliveIntervalRaw, &cfg.Connection.KeepaliveInterval},
		{"connection.pong_timeout", cfg.Connection.PongTimeoutRaw, &cfg.Connection.PongTimeout},
		{"connection.auth_settle", cfg.Connection.AuthSettleRaw, &cfg.Connection.AuthSettle},
		{"connection.reconnect_delay", cfg.Connection.ReconnectDelayRaw, &cfg.Connection.ReconnectDelay},
		{"connection.max_delay", cfg.Connection.MaxDelayRaw, &cfg.Connection.MaxDelay},
		{"debounce.location_window", cfg.Debounce.LocationWindowRaw, &cfg.Debounce.LocationWindow},
		{"debounce.max_wait", cfg.Debounce.MaxWaitRaw, &cfg.Debounce.MaxWait},
		{"poller.interval", cfg.Poller.IntervalRaw, &cfg.Poller.Interval},
		{"poller.request_timeout", cfg.Poller.RequestTimeoutRaw, &cfg.Poller.RequestTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		// A bare "0" is accepted as a zero duration.
		if f.raw == "0" {
			*f.dst = 0
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// formatDurations fills the raw strings from the parsed values so the
// config can be written back out.
func formatDurations(cfg *Config) {
	cfg.Connection.KeepaliveIntervalRaw = cfg.Connection.KeepaliveInterval.String()
	cfg.Connection.PongTimeoutRaw = cfg.Connection.PongTimeout.String()
	cfg.Connection.AuthSettleRaw = cfg.Connection.AuthSettle.String()
	cfg.Connection.ReconnectDelayRaw = cfg.Connection.ReconnectDelay.String()
	cfg.Connection.MaxDelayRaw = cfg.Connection.MaxDelay.String()
	cfg.Debounce.LocationWindowRaw = cfg.Debounce.LocationWindow.String()
	cfg.Debounce.MaxWaitRaw = cfg.Debounce.MaxWait.String()
	cfg.Poller.IntervalRaw = cfg.Poller.Interval.String()
	cfg.Poller.RequestTimeoutRaw = cfg.Poller.RequestTimeout.String()
}

// Write encodes cfg to path, as TOML for .toml files and YAML otherwise.
// The file is created with 0600 permissions since it may hold a token.
func (c *Config) Write(path string) error {
	out := *c
	formatDurations(&out)

	var buf bytes.Buffer
	if isTOML(path) {
		if err := toml.NewEncoder(&buf).Encode(out); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
	} else {
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		enc.Close()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
