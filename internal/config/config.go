// ABOUTME: Configuration loading and parsing for convo-gateway
// ABOUTME: YAML files with environment variable expansion, defaults and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Database drivers
const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

// minJWTSecretLength mirrors auth.MinSecretLength.
const minJWTSecretLength = 32

// Config represents the complete convo-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Dedupe   DedupeConfig   `yaml:"dedupe"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig selects and configures the conversation store
type DatabaseConfig struct {
	Driver        string `yaml:"driver"` // sqlite (default) or mongo
	Path          string `yaml:"path"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
}

// GatewayConfig holds socket timing and flow-control settings
type GatewayConfig struct {
	DispatchTimeout time.Duration `yaml:"-"`
	WriteTimeout    time.Duration `yaml:"-"`
	PongTimeout     time.Duration `yaml:"-"`
	PingInterval    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	DispatchTimeoutRaw string `yaml:"dispatch_timeout"`
	WriteTimeoutRaw    string `yaml:"write_timeout"`
	PongTimeoutRaw     string `yaml:"pong_timeout"`
	PingIntervalRaw    string `yaml:"ping_interval"`

	SendBuffer      int     `yaml:"send_buffer"`
	MaxFrameBytes   int64   `yaml:"max_frame_bytes"`
	EventsPerSecond float64 `yaml:"events_per_second"` // 0 disables the limit
	EventBurst      int     `yaml:"event_burst"`

	// AllowedOrigins lists browser origins permitted to open sockets.
	// Empty means same-origin only; "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DedupeConfig sizes the clientMessageId cache
type DedupeConfig struct {
	TTL        time.Duration `yaml:"-"`
	TTLRaw     string        `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// AuthConfig holds authentication configuration.
// An empty secret disables authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
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

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded, CONVO_DB_PATH
// overrides database.path, and unset fields take their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if dbPath := os.Getenv("CONVO_DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
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

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"gateway.dispatch_timeout", cfg.Gateway.DispatchTimeoutRaw, &cfg.Gateway.DispatchTimeout},
		{"gateway.write_timeout", cfg.Gateway.WriteTimeoutRaw, &cfg.Gateway.WriteTimeout},
		{"gateway.pong_timeout", cfg.Gateway.PongTimeoutRaw, &cfg.Gateway.PongTimeout},
		{"gateway.ping_interval", cfg.Gateway.PingIntervalRaw, &cfg.Gateway.PingInterval},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
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

// applyDefaults fills every unset field.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "0.0.0.0:8080"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Driver == DriverSQLite && c.Database.Path == "" {
		c.Database.Path = DefaultDBPath()
	}
	if c.Database.Driver == DriverMongo && c.Database.MongoDatabase == "" {
		c.Database.MongoDatabase = "convo"
	}

	g := &c.Gateway
	if g.DispatchTimeout == 0 {
		g.DispatchTimeout = 5 * time.Second
	}
	if g.WriteTimeout == 0 {
		g.WriteTimeout = 10 * time.Second
	}
	if g.PongTimeout == 0 {
		g.PongTimeout = 60 * time.Second
	}
	if g.PingInterval == 0 {
		g.PingInterval = g.PongTimeout * 9 / 10
	}
	if g.SendBuffer == 0 {
		g.SendBuffer = 64
	}
	if g.MaxFrameBytes == 0 {
		g.MaxFrameBytes = 64 * 1024
	}
	if g.EventsPerSecond > 0 && g.EventBurst == 0 {
		g.EventBurst = int(g.EventsPerSecond * 2)
	}

	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = 10 * time.Minute
	}
	if c.Dedupe.MaxEntries == 0 {
		c.Dedupe.MaxEntries = 100_000
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
	if c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return errors.New("database.path is required for the sqlite driver")
		}
	case DriverMongo:
		if c.Database.MongoURI == "" {
			return errors.New("database.mongo_uri is required for the mongo driver")
		}
		if c.Database.MongoDatabase == "" {
			return errors.New("database.mongo_database is required for the mongo driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverMongo, c.Database.Driver)
	}

	g := c.Gateway
	for name, d := range map[string]time.Duration{
		"gateway.dispatch_timeout": g.DispatchTimeout,
		"gateway.write_timeout":    g.WriteTimeout,
		"gateway.pong_timeout":     g.PongTimeout,
		"gateway.ping_interval":    g.PingInterval,
		"dedupe.ttl":               c.Dedupe.TTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if g.PingInterval >= g.PongTimeout {
		return fmt.Errorf("gateway.ping_interval (%s) must be shorter than gateway.pong_timeout (%s)", g.PingInterval, g.PongTimeout)
	}
	if g.SendBuffer < 1 {
		return errors.New("gateway.send_buffer must be at least 1")
	}
	if g.MaxFrameBytes < 1 {
		return errors.New("gateway.max_frame_bytes must be at least 1")
	}
	if g.EventsPerSecond < 0 {
		return errors.New("gateway.events_per_second cannot be negative")
	}
	if g.EventsPerSecond > 0 && g.EventBurst < 1 {
		return errors.New("gateway.event_burst must be at least 1 when events_per_second is set")
	}

	if c.Dedupe.MaxEntries < 1 {
		return errors.New("dedupe.max_entries must be at least 1")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minJWTSecretLength)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path)
	}

	return nil
}

// AuthEnabled reports whether bearer-token authentication is configured.
func (c *Config) AuthEnabled() bool {
	return c.Auth.JWTSecret != ""
}

// DefaultDBPath returns $XDG_DATA_HOME/convo/gateway.db, falling back to
// ~/.local/share/convo/gateway.db.
func DefaultDBPath() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "convo", "gateway.db")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "convo", "gateway.db")
	}
	return "gateway.db"
}

// DefaultPath returns the config file location used when CONVO_CONFIG is unset:
// $XDG_CONFIG_HOME/convo/gateway.yaml, falling back to ~/.config/convo/gateway.yaml.
func DefaultPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "convo", "gateway.yaml")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "convo", "gateway.yaml")
	}
	return "gateway.yaml"
}

// Template is the annotated config written by the init command.
const Template = `# convo-gateway configuration

server:
  http_addr: "0.0.0.0:8080"

database:
  driver: "sqlite"            # sqlite or mongo
  path: "%s"
  # mongo_uri: "${CONVO_MONGO_URI}"
  # mongo_database: "convo"

gateway:
  dispatch_timeout: "5s"      # longest a sender waits for persistence
  write_timeout: "10s"
  pong_timeout: "60s"
  ping_interval: "54s"
  send_buffer: 64             # outbound frames queued per connection
  max_frame_bytes: 65536
  events_per_second: 20       # 0 disables rate limiting
  event_burst: 40
  allowed_origins: []         # empty = same origin only, ["*"] = any

dedupe:
  ttl: "10m"
  max_entries: 100000

auth:
  jwt_secret: "${CONVO_JWT_SECRET}"   # empty disables authentication

logging:
  level: "info"               # debug, info, warn, error
  format: "text"              # text, json

metrics:
  enabled: true
  path: "/metrics"
`

// WriteTemplate writes the annotated default config to path, creating parent
// directories. It refuses to overwrite an existing file.
func WriteTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	content := fmt.Sprintf(Template, DefaultDBPath())
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
