// ABOUTME: Package documentation for fleetsync configuration
// ABOUTME: Describes file locations, formats, env expansion and defaults

// Package config handles configuration loading for fleetsync.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are decoded as TOML; anything else is YAML.
// Unset optional fields fall back to Default.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from FLEETSYNC_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/fleetsync/config.yaml
//  3. ~/.config/fleetsync/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  token: "${FLEETSYNC_TOKEN}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax. A bare "0" is also
// accepted:
//
//	debounce:
//	  location_window: "500ms"
//	  max_wait: "0"        # disable the max-wait cap
//
// When debounce.max_wait is absent it defaults to four location windows.
//
// # Example Configuration
//
//	server:
//	  push_url: "wss://fleet.example.com/ws"
//	  snapshot_url: "https://fleet.example.com/api"
//
//	auth:
//	  token_file: "/run/secrets/fleet-token"
//
//	connection:
//	  keepalive_interval: "30s"
//	  pong_timeout: "10s"
//	  max_attempts: 5
//	  reconnect_delay: "2s"
//	  backoff: "fixed"
//
//	poller:
//	  interval: "10s"
//
//	cache:
//	  path: "~/.local/state/fleetsync/cache.db"
//
//	logging:
//	  level: "info"
//	  format: "text"
//
// # Validation
//
// Load validates the result. The push URL must be ws or wss, the snapshot
// URL http or https, and one of auth.token or auth.token_file must be set.
package config
