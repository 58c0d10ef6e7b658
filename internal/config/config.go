// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Negotiation modes.
const (
	// NegotiationBackend asks the backend to register the socket and the queue.
	NegotiationBackend = "backend"
	// NegotiationDirect calls Slack and Zulip from the relay itself.
	NegotiationDirect = "direct"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Backend     BackendConfig     `yaml:"backend" toml:"backend"`
	Zulip       ZulipConfig       `yaml:"zulip" toml:"zulip"`
	Slack       SlackConfig       `yaml:"slack" toml:"slack"`
	Negotiation NegotiationConfig `yaml:"negotiation" toml:"negotiation"`
	Relay       RelayConfig       `yaml:"relay" toml:"relay"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// MinJWTSecretLength is the shortest accepted HS256 signing secret.
const MinJWTSecretLength = 32

// AuthConfig holds operator API authentication configuration.
// An empty secret leaves the API open.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// BackendConfig locates the backend that negotiates handles and ingests events.
type BackendConfig struct {
	URL   string `yaml:"url" toml:"url"`
	Token string `yaml:"token" toml:"token"`

	RegisterSocketPath string `yaml:"register_socket_path" toml:"register_socket_path"`
	RegisterQueuePath  string `yaml:"register_queue_path" toml:"register_queue_path"`
	SlackEventsPath    string `yaml:"slack_events_path" toml:"slack_events_path"`
	ZulipEventsPath    string `yaml:"zulip_events_path" toml:"zulip_events_path"`
}

// ZulipConfig holds the bot credentials used to poll the event queue
type ZulipConfig struct {
	Site   string `yaml:"site" toml:"site"`
	Email  string `yaml:"email" toml:"email"`
	APIKey string `yaml:"api_key" toml:"api_key"`
	Stream string `yaml:"stream" toml:"stream"`
}

// SlackConfig holds the app-level token used in direct negotiation mode
type SlackConfig struct {
	AppToken string `yaml:"app_token" toml:"app_token"`
	APIURL   string `yaml:"api_url" toml:"api_url"`
}

// NegotiationConfig selects who registers the socket and the queue
type NegotiationConfig struct {
	Mode string `yaml:"mode" toml:"mode"`
}

// RelayConfig holds session timing and dedupe configuration
type RelayConfig struct {
	PollTimeout      time.Duration `yaml:"-" toml:"-"`
	ForwardTimeout   time.Duration `yaml:"-" toml:"-"`
	NegotiateTimeout time.Duration `yaml:"-" toml:"-"`
	RetryInterval    time.Duration `yaml:"-" toml:"-"`
	DedupeTTL        time.Duration `yaml:"-" toml:"-"`
	DedupeSize       int           `yaml:"dedupe_size" toml:"dedupe_size"`

	// Raw string values for unmarshaling
	PollTimeoutRaw      string `yaml:"poll_timeout" toml:"poll_timeout"`
	ForwardTimeoutRaw   string `yaml:"forward_timeout" toml:"forward_timeout"`
	NegotiateTimeoutRaw string `yaml:"negotiate_timeout" toml:"negotiate_timeout"`
	RetryIntervalRaw    string `yaml:"retry_interval" toml:"retry_interval"`
	DedupeTTLRaw        string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration content, applies defaults and validates it.
func Parse(data []byte, isTOML bool) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.Backend.RegisterSocketPath == "" {
		c.Backend.RegisterSocketPath = "/api/registerSocket"
	}
	if c.Backend.RegisterQueuePath == "" {
		c.Backend.RegisterQueuePath = "/api/registerQueue"
	}
	if c.Backend.SlackEventsPath == "" {
		c.Backend.SlackEventsPath = "/api/slackEvents"
	}
	if c.Backend.ZulipEventsPath == "" {
		c.Backend.ZulipEventsPath = "/api/zulipEvents"
	}
	if c.Zulip.Stream == "" {
		c.Zulip.Stream = "Slack"
	}
	if c.Negotiation.Mode == "" {
		c.Negotiation.Mode = NegotiationBackend
	}

	if c.Relay.PollTimeout == 0 {
		c.Relay.PollTimeout = 90 * time.Second
	}
	if c.Relay.ForwardTimeout == 0 {
		c.Relay.ForwardTimeout = 30 * time.Second
	}
	if c.Relay.NegotiateTimeout == 0 {
		c.Relay.NegotiateTimeout = 30 * time.Second
	}
	if c.Relay.RetryInterval == 0 {
		c.Relay.RetryInterval = time.Second
	}
	if c.Relay.DedupeTTL == 0 {
		c.Relay.DedupeTTL = 10 * time.Minute
	}
	if c.Relay.DedupeSize == 0 {
		c.Relay.DedupeSize = 10000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	// An empty secret disables operator auth; a short one is refused
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}

	// The backend always ingests forwarded events
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}

	// The relay polls the queue itself in every mode
	if c.Zulip.Site == "" {
		return fmt.Errorf("zulip.site is required")
	}
	if c.Zulip.Email == "" || c.Zulip.APIKey == "" {
		return fmt.Errorf("zulip.email and zulip.api_key are required")
	}

	switch c.Negotiation.Mode {
	case NegotiationBackend:
	case NegotiationDirect:
		if c.Slack.AppToken == "" {
			return fmt.Errorf("slack.app_token is required in direct negotiation mode")
		}
	default:
		return fmt.Errorf("negotiation.mode must be %q or %q, got %q", NegotiationBackend, NegotiationDirect, c.Negotiation.Mode)
	}

	if c.Relay.PollTimeout < 0 || c.Relay.ForwardTimeout < 0 || c.Relay.NegotiateTimeout < 0 || c.Relay.RetryInterval < 0 {
		return fmt.Errorf("relay timeouts must not be negative")
	}
	if c.Relay.DedupeSize < 0 {
		return fmt.Errorf("relay.dedupe_size must not be negative")
	}

	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"poll_timeout", cfg.Relay.PollTimeoutRaw, &cfg.Relay.PollTimeout},
		{"forward_timeout", cfg.Relay.ForwardTimeoutRaw, &cfg.Relay.ForwardTimeout},
		{"negotiate_timeout", cfg.Relay.NegotiateTimeoutRaw, &cfg.Relay.NegotiateTimeout},
		{"retry_interval", cfg.Relay.RetryIntervalRaw, &cfg.Relay.RetryInterval},
		{"dedupe_ttl", cfg.Relay.DedupeTTLRaw, &cfg.Relay.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
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
