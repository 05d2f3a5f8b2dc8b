// ABOUTME: Configuration loading and parsing for hitl-bridge
// ABOUTME: Supports YAML files with environment variable expansion and validation

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Routing-status failure policies for behavior.on_routing_status_error.
const (
	RoutingErrorClose     = "close"
	RoutingErrorLeaveOpen = "leave_open"
)

// Config represents the complete hitl-bridge configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Provider   ProviderConfig   `yaml:"provider"`
	Translator TranslatorConfig `yaml:"translator"`
	Database   DatabaseConfig   `yaml:"database"`
	Messages   MessagesConfig   `yaml:"messages"`
	Behavior   BehaviorConfig   `yaml:"behavior"`
	Validation ValidationConfig `yaml:"validation"`
	Dedupe     DedupeConfig     `yaml:"dedupe"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds webhook server configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	// WebhookURL is the externally reachable URL of the messaging webhook,
	// handed to the translator when a relay session starts.
	WebhookURL string `yaml:"webhook_url"`
}

// ProviderConfig identifies the messaging org
type ProviderConfig struct {
	Endpoint       string `yaml:"endpoint"`
	OrganizationID string `yaml:"organization_id"`
	DeveloperName  string `yaml:"developer_name"`
}

// TranslatorConfig holds the transport-translator service settings
type TranslatorConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// MessagesConfig holds the user-facing notice templates. Empty values
// disable the corresponding notice.
type MessagesConfig struct {
	Transfer    string `yaml:"transfer"`
	NotAssigned string `yaml:"not_assigned"`
}

// BehaviorConfig holds lifecycle behavior knobs
type BehaviorConfig struct {
	// KeepAliveOnInactive suppresses agent-remove handling entirely.
	KeepAliveOnInactive bool `yaml:"keep_alive_on_inactive"`

	// OnRoutingStatusError picks the fallback when the routing-status query
	// fails during an agent remove: "close" (default) or "leave_open".
	OnRoutingStatusError string `yaml:"on_routing_status_error"`
}

// ValidationConfig holds the optional startup access check
type ValidationConfig struct {
	EndpointURL string `yaml:"endpoint_url"`
	Secret      string `yaml:"secret"`
	BotID       string `yaml:"bot_id"`
}

// DedupeConfig holds the frame dedupe cache settings
type DedupeConfig struct {
	TTL     time.Duration `yaml:"-"`
	MaxSize int           `yaml:"max_size"`

	// Raw string value for YAML unmarshaling
	TTLRaw string `yaml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
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

	applyDefaults(&cfg)

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

// applyDefaults fills the optional fields that have sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Behavior.OnRoutingStatusError == "" {
		cfg.Behavior.OnRoutingStatusError = RoutingErrorClose
	}
	if cfg.Dedupe.TTL == 0 {
		cfg.Dedupe.TTL = 10 * time.Minute
	}
	if cfg.Dedupe.MaxSize == 0 {
		cfg.Dedupe.MaxSize = 10000
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Server.WebhookURL == "" {
		return fmt.Errorf("server.webhook_url is required")
	}
	if c.Provider.Endpoint == "" {
		return fmt.Errorf("provider.endpoint is required")
	}
	if c.Provider.OrganizationID == "" {
		return fmt.Errorf("provider.organization_id is required")
	}
	if c.Provider.DeveloperName == "" {
		return fmt.Errorf("provider.developer_name is required")
	}
	if c.Translator.URL == "" {
		return fmt.Errorf("translator.url is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Behavior.OnRoutingStatusError {
	case RoutingErrorClose, RoutingErrorLeaveOpen:
	default:
		return fmt.Errorf("behavior.on_routing_status_error must be %q or %q", RoutingErrorClose, RoutingErrorLeaveOpen)
	}
	if c.Validation.EndpointURL != "" && c.Validation.BotID == "" {
		return fmt.Errorf("validation.bot_id is required when validation.endpoint_url is set")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Dedupe.TTLRaw != "" {
		ttl, err := time.ParseDuration(cfg.Dedupe.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe.ttl %q: %w", cfg.Dedupe.TTLRaw, err)
		}
		cfg.Dedupe.TTL = ttl
	}
	return nil
}
