// ABOUTME: Connector configuration loading, saving, and validation.
// ABOUTME: TOML files with environment variable expansion and 0600 persistence.

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Default values applied by Load when the file leaves them unset.
const (
	DefaultRelayURL   = "wss://cloud.2389.dev"
	DefaultGatewayURL = "ws://127.0.0.1:18789"

	DefaultSessionPolicy = "pool"
	DefaultPoolSize      = 5

	DefaultHandshakeTimeout = 10 * time.Second
	DefaultChatTimeout      = 120 * time.Second
)

// Config is the complete connector configuration, including the enrolled
// identity. One file per identity.
type Config struct {
	Identity IdentityConfig `toml:"identity"`
	Relay    RelayConfig    `toml:"relay"`
	Gateway  GatewayConfig  `toml:"gateway"`
	Sessions SessionsConfig `toml:"sessions"`
	Timeouts TimeoutsConfig `toml:"timeouts"`
	Logging  LoggingConfig  `toml:"logging"`
}

// IdentityConfig holds enrollment credentials. Immutable once enrolled.
type IdentityConfig struct {
	ConnectorID string `toml:"connector_id"`
	// Secret is the hex-encoded HMAC key issued at enrollment.
	Secret string `toml:"secret"`
	// PrivateKeyPath points at an OpenSSH ed25519 key for signature-based
	// authentication. When set it takes precedence over Secret.
	PrivateKeyPath string `toml:"private_key_path"`
	AgentID        string `toml:"agent_id"`
	AgentName      string `toml:"agent_name"`
}

// RelayConfig holds the cloud relay endpoint.
type RelayConfig struct {
	URL string `toml:"url"`
}

// GatewayConfig holds the local gateway endpoint and auth token.
type GatewayConfig struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

// SessionsConfig selects the session lifecycle policy.
type SessionsConfig struct {
	Policy   string `toml:"policy"` // "pool" or "fresh"
	PoolSize int    `toml:"pool_size"`
}

// TimeoutsConfig holds the independently configurable timeouts.
type TimeoutsConfig struct {
	Handshake time.Duration `toml:"-"`
	Chat      time.Duration `toml:"-"`

	// Raw string values for TOML unmarshaling
	HandshakeRaw string `toml:"handshake"`
	ChatRaw      string `toml:"chat"`
}

// LoggingConfig holds log output configuration.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// DefaultPath returns the path of the default connector config file.
// Priority: COVEN_CONNECTOR_CONFIG env var > XDG_CONFIG_HOME/coven/connector.toml
// > ~/.config/coven/connector.toml
func DefaultPath() string {
	if envPath := os.Getenv("COVEN_CONNECTOR_CONFIG"); envPath != "" {
		return envPath
	}
	return filepath.Join(configDir(), "connector.toml")
}

// NamedPath returns the path for a named identity config. An empty name
// means the default config.
func NamedPath(name string) string {
	if name == "" {
		return DefaultPath()
	}
	return filepath.Join(configDir(), fmt.Sprintf("connector.%s.toml", name))
}

func configDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "coven")
}

// Load reads config from path, expanding environment variables and
// applying defaults. A missing file yields a default, unenrolled config.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else {
		expanded := expandEnvVars(string(data))
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Save writes the config to path with owner-only permissions, creating
// the parent directory if needed. The write is atomic (temp + rename).
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(buf.String()), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing config: %w", err)
	}
	// Rename preserves the temp file's mode, but re-apply in case an old
	// file existed with looser permissions.
	return os.Chmod(path, 0600)
}

// IsEnrolled reports whether the identity is complete: connector id,
// secret or key material, and an assigned agent id.
func (c *Config) IsEnrolled() bool {
	hasCredential := c.Identity.Secret != "" || c.Identity.PrivateKeyPath != ""
	return c.Identity.ConnectorID != "" && hasCredential && c.Identity.AgentID != ""
}

// EffectiveGatewayToken returns the configured gateway token, falling
// back to auto-discovery from the gateway's own config file.
func (c *Config) EffectiveGatewayToken() string {
	if c.Gateway.Token != "" {
		return c.Gateway.Token
	}
	return DiscoverGatewayToken()
}

func (c *Config) applyDefaults() {
	if c.Relay.URL == "" {
		c.Relay.URL = DefaultRelayURL
	}
	if c.Gateway.URL == "" {
		c.Gateway.URL = DefaultGatewayURL
	}
	if c.Sessions.Policy == "" {
		c.Sessions.Policy = DefaultSessionPolicy
	}
	if c.Sessions.PoolSize == 0 {
		c.Sessions.PoolSize = DefaultPoolSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) parseDurations() error {
	var err error
	if c.Timeouts.Handshake, err = parseDuration(c.Timeouts.HandshakeRaw, DefaultHandshakeTimeout); err != nil {
		return fmt.Errorf("timeouts.handshake: %w", err)
	}
	if c.Timeouts.Chat, err = parseDuration(c.Timeouts.ChatRaw, DefaultChatTimeout); err != nil {
		return fmt.Errorf("timeouts.chat: %w", err)
	}
	return nil
}

func parseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", raw)
	}
	return d, nil
}

// Validate checks field values that have a constrained domain.
func (c *Config) Validate() error {
	if _, err := url.Parse(c.Relay.URL); err != nil {
		return fmt.Errorf("relay.url is not a valid URL: %w", err)
	}
	if _, err := url.Parse(c.Gateway.URL); err != nil {
		return fmt.Errorf("gateway.url is not a valid URL: %w", err)
	}
	switch c.Sessions.Policy {
	case "pool", "fresh":
	default:
		return fmt.Errorf("sessions.policy must be \"pool\" or \"fresh\", got %q", c.Sessions.Policy)
	}
	if c.Sessions.PoolSize < 1 {
		return fmt.Errorf("sessions.pool_size must be at least 1, got %d", c.Sessions.PoolSize)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}
