// ABOUTME: Configuration loading and parsing for qq-adapter
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete qq-adapter configuration
type Config struct {
	QQ      QQConfig      `yaml:"qq"`
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// QQConfig holds QQ open-platform credentials and gateway tuning.
// AppID and AppSecret are normally supplied as ${QQ_APP_ID} / ${QQ_APP_SECRET}
// environment references in the YAML file.
type QQConfig struct {
	AppID     string `yaml:"app_id"`
	AppSecret string `yaml:"app_secret"`
	APIBase   string `yaml:"api_base"`
	AuthURL   string `yaml:"auth_url"`

	// Intents is the event subscription bitmask sent with Identify.
	// Zero means the default subscription set.
	Intents uint32 `yaml:"intents"`

	ReconnectBackoff    time.Duration `yaml:"-"`
	ReconnectBackoffRaw string        `yaml:"reconnect_backoff"`
}

// ServerConfig holds the bridge HTTP listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// AuthConfig holds bridge authentication configuration.
// When JWTSecret is empty the bridge endpoints are unauthenticated.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// BridgeConfig holds reply-correlation behaviour for the bridge
type BridgeConfig struct {
	// WebhookURL, when set, receives every inbound event as a POST in
	// addition to connected WebSocket listeners.
	WebhookURL string `yaml:"webhook_url"`

	ReplyTimeout    time.Duration `yaml:"-"`
	ReplyTimeoutRaw string        `yaml:"reply_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults applied by Load when the corresponding field is unset.
const (
	DefaultAPIBase          = "https://api.sgroup.qq.com"
	DefaultAuthURL          = "https://bots.qq.com/app/getAppAccessToken"
	DefaultHTTPAddr         = "0.0.0.0:8080"
	DefaultReplyTimeout     = 60 * time.Second
	DefaultReconnectBackoff = 5 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
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

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in unset optional fields.
func (c *Config) applyDefaults() {
	if c.QQ.APIBase == "" {
		c.QQ.APIBase = DefaultAPIBase
	}
	if c.QQ.AuthURL == "" {
		c.QQ.AuthURL = DefaultAuthURL
	}
	if c.QQ.ReconnectBackoff == 0 {
		c.QQ.ReconnectBackoff = DefaultReconnectBackoff
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Bridge.ReplyTimeout == 0 {
		c.Bridge.ReplyTimeout = DefaultReplyTimeout
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.QQ.AppID == "" {
		return fmt.Errorf("qq.app_id is required (set QQ_APP_ID)")
	}
	if c.QQ.AppSecret == "" {
		return fmt.Errorf("qq.app_secret is required (set QQ_APP_SECRET)")
	}
	if c.QQ.ReconnectBackoff < 0 {
		return fmt.Errorf("qq.reconnect_backoff must not be negative")
	}
	if c.Bridge.ReplyTimeout <= 0 {
		return fmt.Errorf("bridge.reply_timeout must be positive")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.QQ.ReconnectBackoffRaw != "" {
		cfg.QQ.ReconnectBackoff, err = time.ParseDuration(cfg.QQ.ReconnectBackoffRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_backoff %q: %w", cfg.QQ.ReconnectBackoffRaw, err)
		}
	}

	if cfg.Bridge.ReplyTimeoutRaw != "" {
		cfg.Bridge.ReplyTimeout, err = time.ParseDuration(cfg.Bridge.ReplyTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing reply_timeout %q: %w", cfg.Bridge.ReplyTimeoutRaw, err)
		}
	}

	return nil
}
