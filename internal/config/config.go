package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"llm-gateway/internal/provider"
)

// EnvPrefix prefixes every environment override, e.g. GATEWAY_SERVER_PORT.
const EnvPrefix = "GATEWAY"

const (
	logFormatJSON = "json"
	logFormatText = "text"
)

// Config represents the application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Backend  string         `mapstructure:"backend" yaml:"backend"`
	Backends BackendsConfig `mapstructure:"backends" yaml:"backends"`
	Client   ClientConfig   `mapstructure:"client" yaml:"client"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// ServerConfig defines listener configuration. A zero WriteTimeout leaves
// long running streams unbounded on the inbound side.
type ServerConfig struct {
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

// BackendsConfig holds per-backend overrides. Only one backend is active.
type BackendsConfig struct {
	Ollama BackendConfig `mapstructure:"ollama" yaml:"ollama"`
	GLM    BackendConfig `mapstructure:"glm" yaml:"glm"`
	Kimi   BackendConfig `mapstructure:"kimi" yaml:"kimi"`
}

// BackendConfig overrides where a backend is reached. An empty host keeps
// the provider default.
type BackendConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
}

// ClientConfig tunes the shared outbound HTTP client.
type ClientConfig struct {
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	KeepAlive       time.Duration `mapstructure:"keep_alive" yaml:"keep_alive"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	MaxConnsPerHost int           `mapstructure:"max_conns_per_host" yaml:"max_conns_per_host"`
	ConnectAttempts int           `mapstructure:"connect_attempts" yaml:"connect_attempts"`
}

// LoggingConfig controls log output. File enables a rotated log file in
// addition to stderr.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Path      string `mapstructure:"path" yaml:"path"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

var defaults = map[string]any{
	"server.port":           3000,
	"server.read_timeout":   "30s",
	"server.write_timeout":  "0s",
	"server.idle_timeout":   "120s",
	"server.max_body_bytes": 10 << 20,

	"backend":              string(provider.GLM),
	"backends.ollama.host": "127.0.0.1:11434",
	"backends.glm.host":    "https://open.bigmodel.cn",
	"backends.kimi.host":   "https://api.moonshot.cn",

	"client.timeout":            "30m",
	"client.dial_timeout":       "5s",
	"client.keep_alive":         "5s",
	"client.max_idle_conns":     1000,
	"client.max_conns_per_host": 100,
	"client.connect_attempts":   5,

	"logging.level":        "info",
	"logging.format":       logFormatJSON,
	"logging.file":         "",
	"logging.max_size_mb":  100,
	"logging.max_backups":  0,
	"logging.max_age_days": 7,
	"logging.compress":     false,

	"metrics.enabled":   true,
	"metrics.path":      "/metrics",
	"metrics.namespace": "llm_gateway",
}

// Load builds the configuration from defaults, an optional YAML file and
// the environment, in increasing order of precedence. OLLAMA_HOST is honoured
// for the Ollama host.
func Load(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("backends.ollama.host", EnvPrefix+"_BACKENDS_OLLAMA_HOST", "OLLAMA_HOST"); err != nil {
		return Config{}, fmt.Errorf("bind OLLAMA_HOST: %w", err)
	}

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}
		v.SetConfigFile(absPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.IdleTimeout < 0 {
		return errors.New("server timeouts must not be negative")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive, got %d", c.Server.MaxBodyBytes)
	}

	if _, err := provider.ParseBackendID(c.Backend); err != nil {
		return fmt.Errorf("backend: %w", err)
	}

	if c.Client.Timeout <= 0 {
		return fmt.Errorf("client.timeout must be positive, got %s", c.Client.Timeout)
	}
	if c.Client.DialTimeout < 0 || c.Client.KeepAlive < 0 {
		return errors.New("client dial_timeout and keep_alive must not be negative")
	}
	if c.Client.MaxIdleConns < 0 || c.Client.MaxConnsPerHost < 0 {
		return errors.New("client connection pool limits must not be negative")
	}
	if c.Client.ConnectAttempts < 1 {
		return fmt.Errorf("client.connect_attempts must be at least 1, got %d", c.Client.ConnectAttempts)
	}

	if err := validateLogging(c.Logging); err != nil {
		return err
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/', got %q", c.Metrics.Path)
	}
	return nil
}

// BackendID returns the active backend. Validate guarantees it parses.
func (c Config) BackendID() provider.BackendID {
	id, _ := provider.ParseBackendID(c.Backend)
	return id
}

// BackendHost returns the configured host for id.
func (c Config) BackendHost(id provider.BackendID) string {
	switch id {
	case provider.Ollama:
		return c.Backends.Ollama.Host
	case provider.GLM:
		return c.Backends.GLM.Host
	case provider.Kimi:
		return c.Backends.Kimi.Host
	default:
		return ""
	}
}

// YAML renders the effective configuration.
func (c Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode configuration: %w", err)
	}
	return out, nil
}

// MarshalYAML renders durations in their string form.
func (s ServerConfig) MarshalYAML() (any, error) {
	return map[string]any{
		"port":           s.Port,
		"read_timeout":   s.ReadTimeout.String(),
		"write_timeout":  s.WriteTimeout.String(),
		"idle_timeout":   s.IdleTimeout.String(),
		"max_body_bytes": s.MaxBodyBytes,
	}, nil
}

// MarshalYAML renders durations in their string form.
func (c ClientConfig) MarshalYAML() (any, error) {
	return map[string]any{
		"timeout":            c.Timeout.String(),
		"dial_timeout":       c.DialTimeout.String(),
		"keep_alive":         c.KeepAlive.String(),
		"max_idle_conns":     c.MaxIdleConns,
		"max_conns_per_host": c.MaxConnsPerHost,
		"connect_attempts":   c.ConnectAttempts,
	}, nil
}

func validateLogging(l LoggingConfig) error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn or error", l.Level)
	}

	switch strings.ToLower(l.Format) {
	case logFormatJSON, logFormatText:
	default:
		return fmt.Errorf("logging.format %q must be %q or %q", l.Format, logFormatJSON, logFormatText)
	}

	if l.MaxSizeMB < 0 || l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		return errors.New("logging rotation limits must not be negative")
	}
	return nil
}
