// Package config loads arcflow service configuration from YAML files,
// .env files and environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (ARCFLOW_ prefix, plus the documented bare
//     names such as KV_URL and TOKEN_SIGNING_KEY)
//  2. .env file
//  3. Configuration file (./config.yaml, ./configs/, ~/.arcflow, /etc/arcflow)
//  4. Default values
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServiceConfig contains service metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	BodyLimit       string        `mapstructure:"body_limit"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	// RateLimit is the per-client request budget per second on the REST
	// surface. The websocket plane has its own tiered limiter.
	RateLimit int `mapstructure:"rate_limit"`
}

// KVConfig contains key-value store connection settings.
type KVConfig struct {
	URL        string        `mapstructure:"url"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryBase  time.Duration `mapstructure:"retry_base"`
}

// DocStoreConfig contains document store connection settings.
type DocStoreConfig struct {
	URL             string `mapstructure:"url"`
	FlowsDB         string `mapstructure:"flows_db"`
	VersionsDB      string `mapstructure:"versions_db"`
	RegistryDB      string `mapstructure:"registry_db"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	CreateIfMissing bool   `mapstructure:"create_if_missing"`
}

// AuthConfig contains token verification settings.
type AuthConfig struct {
	// SigningKey is the HS256 key shared with the identity issuer.
	// Must be at least 32 bytes.
	SigningKey      string        `mapstructure:"signing_key"`
	TokenExpiration time.Duration `mapstructure:"token_expiration"`
}

// CacheConfig contains cache manager tuning.
type CacheConfig struct {
	Prefix               string        `mapstructure:"prefix"`
	MaxKeyLength         int           `mapstructure:"max_key_length"`
	CompressionThreshold int           `mapstructure:"compression_threshold"`
	MetricsInterval      time.Duration `mapstructure:"metrics_interval"`
}

// TierLimits contains the request budgets for one subscription tier.
type TierLimits struct {
	MaxPerHour     int `mapstructure:"max_per_hour"`
	MaxPerDay      int `mapstructure:"max_per_day"`
	MaxConnections int `mapstructure:"max_connections"`
	MaxMsgPerSec   int `mapstructure:"max_msg_per_sec"`
}

// RateConfig contains per-tier rate limits.
type RateConfig struct {
	Free       TierLimits `mapstructure:"free"`
	Pro        TierLimits `mapstructure:"pro"`
	Enterprise TierLimits `mapstructure:"enterprise"`
}

// RegistryConfig contains service registry tuning.
type RegistryConfig struct {
	// ProbeIntervalMs is the health probe interval in milliseconds.
	ProbeIntervalMs int           `mapstructure:"probe_interval_ms"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	CallRetries     int           `mapstructure:"call_retries"`
}

// ProbeInterval returns the probe interval as a duration.
func (c RegistryConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalMs) * time.Millisecond
}

// AIConfig contains limits for the AI intent surface.
type AIConfig struct {
	MaxImageBytes int64 `mapstructure:"max_image_bytes"`
}

// RelayConfig contains the optional AMQP event relay settings.
// An empty URL disables the relay.
type RelayConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the root configuration for the arcflow server.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Server   ServerConfig   `mapstructure:"server"`
	KV       KVConfig       `mapstructure:"kv"`
	DocStore DocStoreConfig `mapstructure:"docstore"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Rate     RateConfig     `mapstructure:"rate"`
	Registry RegistryConfig `mapstructure:"registry"`
	AI       AIConfig       `mapstructure:"ai"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a configuration loader with the given environment prefix.
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetConfigDefaults sets the standard arcflow defaults.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("service.name", "arcflow")
	l.v.SetDefault("service.version", "v0.1.0")
	l.v.SetDefault("service.environment", "development")

	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 8090)
	l.v.SetDefault("server.read_timeout", "30s")
	l.v.SetDefault("server.write_timeout", "30s")
	l.v.SetDefault("server.shutdown_timeout", "10s")
	l.v.SetDefault("server.body_limit", "1M")
	l.v.SetDefault("server.allowed_origins", []string{"*"})
	l.v.SetDefault("server.rate_limit", 50)

	l.v.SetDefault("kv.url", "redis://localhost:6379/0")
	l.v.SetDefault("kv.max_retries", 3)
	l.v.SetDefault("kv.retry_base", "100ms")

	l.v.SetDefault("docstore.url", "http://localhost:5984")
	l.v.SetDefault("docstore.flows_db", "flows")
	l.v.SetDefault("docstore.versions_db", "flow_versions")
	l.v.SetDefault("docstore.registry_db", "service_registry")
	l.v.SetDefault("docstore.create_if_missing", true)

	l.v.SetDefault("auth.signing_key", "")
	l.v.SetDefault("auth.token_expiration", "24h")

	l.v.SetDefault("cache.prefix", "arcflow")
	l.v.SetDefault("cache.max_key_length", 512)
	l.v.SetDefault("cache.compression_threshold", 4096)
	l.v.SetDefault("cache.metrics_interval", "60s")

	l.v.SetDefault("rate.free.max_per_hour", 200)
	l.v.SetDefault("rate.free.max_per_day", 1000)
	l.v.SetDefault("rate.free.max_connections", 3)
	l.v.SetDefault("rate.free.max_msg_per_sec", 15)
	l.v.SetDefault("rate.pro.max_per_hour", 1000)
	l.v.SetDefault("rate.pro.max_per_day", 10000)
	l.v.SetDefault("rate.pro.max_connections", 10)
	l.v.SetDefault("rate.pro.max_msg_per_sec", 60)
	l.v.SetDefault("rate.enterprise.max_per_hour", 5000)
	l.v.SetDefault("rate.enterprise.max_per_day", 50000)
	l.v.SetDefault("rate.enterprise.max_connections", 25)
	l.v.SetDefault("rate.enterprise.max_msg_per_sec", 120)

	l.v.SetDefault("registry.probe_interval_ms", 30000)
	l.v.SetDefault("registry.probe_timeout", "5s")
	l.v.SetDefault("registry.call_timeout", "30s")
	l.v.SetDefault("registry.call_retries", 3)

	l.v.SetDefault("ai.max_image_bytes", 10*1024*1024)

	l.v.SetDefault("relay.url", "")
	l.v.SetDefault("relay.exchange", "arcflow.events")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "text")
}

// bindWellKnownEnv binds the documented bare environment names alongside
// the prefixed ones, so deployments can use either form.
func (l *Loader) bindWellKnownEnv() {
	bindings := map[string][]string{
		"kv.url":                        {"ARCFLOW_KV_URL", "KV_URL"},
		"docstore.url":                  {"ARCFLOW_DOCSTORE_URL", "DOC_STORE_URL"},
		"auth.signing_key":              {"ARCFLOW_AUTH_SIGNING_KEY", "TOKEN_SIGNING_KEY"},
		"logging.level":                 {"ARCFLOW_LOGGING_LEVEL", "LOG_LEVEL"},
		"logging.format":                {"ARCFLOW_LOGGING_FORMAT", "LOG_FORMAT"},
		"rate.free.max_per_hour":        {"RATE_FREE_MAX_PER_HOUR"},
		"rate.free.max_per_day":         {"RATE_FREE_MAX_PER_DAY"},
		"rate.pro.max_per_hour":         {"RATE_PRO_MAX_PER_HOUR"},
		"rate.pro.max_per_day":          {"RATE_PRO_MAX_PER_DAY"},
		"rate.enterprise.max_per_hour":  {"RATE_ENTERPRISE_MAX_PER_HOUR"},
		"rate.enterprise.max_per_day":   {"RATE_ENTERPRISE_MAX_PER_DAY"},
		"registry.probe_interval_ms":    {"ARCFLOW_REGISTRY_PROBE_INTERVAL_MS", "HEALTH_PROBE_INTERVAL_MS"},
		"relay.url":                     {"ARCFLOW_RELAY_URL", "AMQP_URL"},
	}
	for key, names := range bindings {
		args := append([]string{key}, names...)
		_ = l.v.BindEnv(args...)
	}
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, standard locations are searched.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.arcflow")
		l.v.AddConfigPath("/etc/arcflow")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env if present.
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
	l.bindWellKnownEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadConfig loads and validates the arcflow configuration.
func LoadConfig(cfgFile string) (*Config, error) {
	loader := NewLoader("ARCFLOW")
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ValidateConfig checks the invariants a server cannot start without.
func ValidateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.KV.URL == "" {
		return fmt.Errorf("kv url is required")
	}
	if cfg.DocStore.URL == "" {
		return fmt.Errorf("docstore url is required")
	}
	if len(cfg.Auth.SigningKey) < 32 {
		return fmt.Errorf("token signing key must be at least 32 bytes, got %d", len(cfg.Auth.SigningKey))
	}
	if cfg.Registry.ProbeIntervalMs < 1000 {
		return fmt.Errorf("health probe interval must be at least 1000ms, got %d", cfg.Registry.ProbeIntervalMs)
	}
	return nil
}

// BuildURL constructs the document store URL with basic-auth credentials.
func (c *DocStoreConfig) BuildURL() string {
	if c.Username != "" && c.Password != "" {
		return strings.Replace(c.URL, "://", "://"+c.Username+":"+c.Password+"@", 1)
	}
	return c.URL
}

func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
