// ABOUTME: Client configuration and its mapping from the file-based config
// ABOUTME: Translates config sections into connection policy, debounce and poll settings

package syncclient

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/fleetsync/internal/config"
	"github.com/2389/fleetsync/internal/conn"
	"github.com/2389/fleetsync/internal/snapshot"
)

// Config configures a Client.
type Config struct {
	PushURL     string
	SnapshotURL string
	ProbeURL    string
	Token       string

	KeepaliveInterval time.Duration
	PongTimeout       time.Duration
	AuthSettle        time.Duration
	Policy            conn.Policy

	// LocationWindow debounces location updates per agent. Zero applies
	// them immediately.
	LocationWindow time.Duration
	// MaxWait forces a pending location through after this long. Zero
	// disables the cap.
	MaxWait time.Duration

	PollInterval   time.Duration
	RequestTimeout time.Duration

	// CachePath enables the SQLite warm-start cache when set.
	CachePath string

	// Source overrides the HTTP snapshot source built from SnapshotURL.
	Source     snapshot.Source
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// FromConfig builds a client Config from a loaded configuration file and a
// resolved token.
func FromConfig(cfg *config.Config, token string) Config {
	c := cfg.Connection
	policy := conn.Policy{
		MaxAttempts: c.MaxAttempts,
		Delay:       c.ReconnectDelay,
		Backoff:     conn.Backoff(c.Backoff),
		MaxDelay:    c.MaxDelay,
	}
	if c.RetryOnNormalClose != nil {
		policy.RetryOnNormalClose = *c.RetryOnNormalClose
	}
	return Config{
		PushURL:           cfg.Server.PushURL,
		SnapshotURL:       cfg.Server.SnapshotURL,
		ProbeURL:          cfg.Server.ProbeURL,
		Token:             token,
		KeepaliveInterval: c.KeepaliveInterval,
		PongTimeout:       c.PongTimeout,
		AuthSettle:        c.AuthSettle,
		Policy:            policy,
		LocationWindow:    cfg.Debounce.LocationWindow,
		MaxWait:           cfg.Debounce.MaxWait,
		PollInterval:      cfg.Poller.Interval,
		RequestTimeout:    cfg.Poller.RequestTimeout,
		CachePath:         cfg.Cache.Path,
	}
}

func (c *Config) validate() error {
	if c.PushURL == "" {
		return errors.New("push URL is required")
	}
	if c.SnapshotURL == "" && c.Source == nil {
		return errors.New("snapshot URL or source is required")
	}
	if c.Token == "" {
		return conn.ErrMissingToken
	}
	if c.Policy == (conn.Policy{}) {
		c.Policy = conn.DefaultPolicy()
	}
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}
