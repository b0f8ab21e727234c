// ABOUTME: Configuration loading and parsing for switchboard
// ABOUTME: Supports YAML or TOML files with .env loading, env var expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when a field is left empty.
const (
	DefaultHTTPAddr          = ":3001"
	DefaultDatabasePath      = "switchboard.db"
	DefaultMaxOpenConns      = 20
	DefaultProcessingTimeout = 60 * time.Second
	DefaultDedupeTTL         = 10 * time.Minute
	DefaultAITimeout         = 30 * time.Second
	DefaultTransportTimeout  = 15 * time.Second
	DefaultCourtesyQuiet     = 5 * time.Minute
	DefaultHistoryTurns      = 6
	DefaultExchange          = "switchboard.events"
	DefaultMetricsPath       = "/metrics"
	MinJWTSecretLength       = 32
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Transport providers.
const (
	ProviderCloud     = "cloud"
	ProviderDialog360 = "dialog360"
)

// Config represents the complete switchboard configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Webhook   WebhookConfig   `yaml:"webhook" toml:"webhook"`
	AI        AIConfig        `yaml:"ai" toml:"ai"`
	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Modes     ModesConfig     `yaml:"modes" toml:"modes"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Broker    BrokerConfig    `yaml:"broker" toml:"broker"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// AllowedOrigins lists browser origins, besides the server's own, that may
	// open the WebSocket stream. "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// DatabaseConfig selects and configures the conversation backend.
type DatabaseConfig struct {
	Driver       string `yaml:"driver" toml:"driver"`
	Path         string `yaml:"path" toml:"path"`
	URL          string `yaml:"url" toml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns" toml:"max_open_conns"`
}

// WebhookConfig holds inbound webhook settings
type WebhookConfig struct {
	VerifyToken string `yaml:"verify_token" toml:"verify_token"`

	ProcessingTimeout time.Duration `yaml:"-" toml:"-"`
	DedupeTTL         time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ProcessingTimeoutRaw string `yaml:"processing_timeout" toml:"processing_timeout"`
	DedupeTTLRaw         string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// AIConfig configures the chat completion responder
type AIConfig struct {
	APIKey       string   `yaml:"api_key" toml:"api_key"`
	BaseURL      string   `yaml:"base_url" toml:"base_url"`
	Model        string   `yaml:"model" toml:"model"`
	MaxTokens    int      `yaml:"max_tokens" toml:"max_tokens"`
	Temperature  *float64 `yaml:"temperature" toml:"temperature"`
	SystemPrompt string   `yaml:"system_prompt" toml:"system_prompt"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// TransportConfig configures outbound WhatsApp delivery
type TransportConfig struct {
	Provider      string `yaml:"provider" toml:"provider"`
	BaseURL       string `yaml:"base_url" toml:"base_url"`
	APIVersion    string `yaml:"api_version" toml:"api_version"`
	PhoneNumberID string `yaml:"phone_number_id" toml:"phone_number_id"`
	AccessToken   string `yaml:"access_token" toml:"access_token"`
	APIKey        string `yaml:"api_key" toml:"api_key"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// ModesConfig tunes escalation and courtesy behavior
type ModesConfig struct {
	Keywords        []string `yaml:"keywords" toml:"keywords"`
	EscalationReply string   `yaml:"escalation_reply" toml:"escalation_reply"`
	CourtesyEnabled *bool    `yaml:"courtesy_enabled" toml:"courtesy_enabled"`
	CourtesyReply   string   `yaml:"courtesy_reply" toml:"courtesy_reply"`
	ApologyReply    string   `yaml:"apology_reply" toml:"apology_reply"`
	HistoryTurns    int      `yaml:"history_turns" toml:"history_turns"`

	CourtesyQuietPeriod    time.Duration `yaml:"-" toml:"-"`
	CourtesyQuietPeriodRaw string        `yaml:"courtesy_quiet_period" toml:"courtesy_quiet_period"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// BrokerConfig enables AMQP publication of change events
type BrokerConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	URL      string `yaml:"url" toml:"url"`
	Exchange string `yaml:"exchange" toml:"exchange"`
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

// AIConfigured reports whether an API key is present.
func (c *Config) AIConfigured() bool {
	return c.AI.APIKey != ""
}

// TransportConfigured reports whether the selected provider has credentials.
func (c *Config) TransportConfigured() bool {
	switch c.Transport.Provider {
	case ProviderDialog360:
		return c.Transport.APIKey != ""
	default:
		return c.Transport.PhoneNumberID != "" && c.Transport.AccessToken != ""
	}
}

// CourtesyEnabled reports modes.courtesy_enabled, defaulting to true.
func (c *Config) CourtesyEnabled() bool {
	return c.Modes.CourtesyEnabled == nil || *c.Modes.CourtesyEnabled
}

// DefaultPath returns the config file location.
// Priority: SWITCHBOARD_CONFIG > XDG_CONFIG_HOME/switchboard/config.yaml > ~/.config/switchboard/config.yaml
func DefaultPath() string {
	if envPath := os.Getenv("SWITCHBOARD_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "switchboard", "config.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file in the working directory or beside the config file is loaded
// first; variables already present in the environment win.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env", filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw config bytes. ext selects the format: ".toml" uses
// TOML, anything else YAML.
func Parse(data []byte, ext string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(ext, ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
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

// loadDotEnv loads each existing file. godotenv never overrides variables
// that are already set.
func loadDotEnv(paths ...string) error {
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = DefaultHTTPAddr
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverSQLite
	}
	if cfg.Database.Driver == DriverSQLite && cfg.Database.Path == "" {
		cfg.Database.Path = DefaultDatabasePath
	}
	if cfg.Database.Driver == DriverPostgres && cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("DATABASE_URL")
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = DefaultMaxOpenConns
	}

	if cfg.Webhook.VerifyToken == "" {
		cfg.Webhook.VerifyToken = os.Getenv("WEBHOOK_VERIFY_TOKEN")
	}
	if cfg.Webhook.ProcessingTimeout <= 0 {
		cfg.Webhook.ProcessingTimeout = DefaultProcessingTimeout
	}
	if cfg.Webhook.DedupeTTL <= 0 {
		cfg.Webhook.DedupeTTL = DefaultDedupeTTL
	}

	if cfg.AI.Timeout <= 0 {
		cfg.AI.Timeout = DefaultAITimeout
	}

	if cfg.Transport.Provider == "" {
		cfg.Transport.Provider = ProviderCloud
	}
	if cfg.Transport.Timeout <= 0 {
		cfg.Transport.Timeout = DefaultTransportTimeout
	}

	if cfg.Modes.CourtesyQuietPeriod <= 0 {
		cfg.Modes.CourtesyQuietPeriod = DefaultCourtesyQuiet
	}
	if cfg.Modes.HistoryTurns <= 0 {
		cfg.Modes.HistoryTurns = DefaultHistoryTurns
	}

	if cfg.Broker.Exchange == "" {
		cfg.Broker.Exchange = DefaultExchange
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database.url (or DATABASE_URL) is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver must be one of sqlite, postgres, memory; got %q", c.Database.Driver)
	}

	if c.AI.MaxTokens < 0 {
		return fmt.Errorf("ai.max_tokens must not be negative")
	}
	if t := c.AI.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("ai.temperature must be between 0 and 2, got %v", *t)
	}

	if !slices.Contains([]string{ProviderCloud, ProviderDialog360}, c.Transport.Provider) {
		return fmt.Errorf("transport.provider must be cloud or dialog360, got %q", c.Transport.Provider)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}

	if c.Broker.Enabled && c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required when broker is enabled")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
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
		{"webhook.processing_timeout", cfg.Webhook.ProcessingTimeoutRaw, &cfg.Webhook.ProcessingTimeout},
		{"webhook.dedupe_ttl", cfg.Webhook.DedupeTTLRaw, &cfg.Webhook.DedupeTTL},
		{"ai.timeout", cfg.AI.TimeoutRaw, &cfg.AI.Timeout},
		{"transport.timeout", cfg.Transport.TimeoutRaw, &cfg.Transport.Timeout},
		{"modes.courtesy_quiet_period", cfg.Modes.CourtesyQuietPeriodRaw, &cfg.Modes.CourtesyQuietPeriod},
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
