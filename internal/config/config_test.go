package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"llm-gateway/internal/provider"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"OLLAMA_HOST", "GATEWAY_BACKEND", "GATEWAY_SERVER_PORT", "GATEWAY_BACKENDS_OLLAMA_HOST"} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
	if cfg.BackendID() != provider.GLM {
		t.Fatalf("backend = %s", cfg.BackendID())
	}
	if cfg.Backends.Ollama.Host != "127.0.0.1:11434" {
		t.Fatalf("ollama host = %q", cfg.Backends.Ollama.Host)
	}
	if cfg.Client.Timeout != 30*time.Minute || cfg.Client.ConnectAttempts != 5 || cfg.Client.MaxConnsPerHost != 100 {
		t.Fatalf("client = %+v", cfg.Client)
	}
	if cfg.Server.WriteTimeout != 0 {
		t.Fatalf("write timeout = %v", cfg.Server.WriteTimeout)
	}
	if cfg.Logging.MaxAgeDays != 7 || cfg.Logging.Format != "json" {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Fatalf("metrics = %+v", cfg.Metrics)
	}
}

func TestLoad_FileAndEnvPrecedence(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  port: 8081
backend: ollama
backends:
  ollama:
    host: gpu-box:11434
client:
  timeout: 10m
logging:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8081 || cfg.BackendID() != provider.Ollama {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.BackendHost(provider.Ollama) != "gpu-box:11434" {
		t.Fatalf("ollama host = %q", cfg.BackendHost(provider.Ollama))
	}
	if cfg.Client.Timeout != 10*time.Minute {
		t.Fatalf("timeout = %v", cfg.Client.Timeout)
	}
	if cfg.Client.ConnectAttempts != 5 {
		t.Fatalf("unset keys must keep defaults, got %d", cfg.Client.ConnectAttempts)
	}

	t.Setenv("GATEWAY_SERVER_PORT", "9090")
	t.Setenv("GATEWAY_BACKEND", "kimi")
	t.Setenv("OLLAMA_HOST", "10.0.0.5:11434")

	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
	if cfg.BackendID() != provider.Kimi {
		t.Fatalf("backend = %s", cfg.BackendID())
	}
	if cfg.Backends.Ollama.Host != "10.0.0.5:11434" {
		t.Fatalf("ollama host = %q", cfg.Backends.Ollama.Host)
	}
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}

	path := writeConfig(t, "backend: openai\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "backend") {
		t.Fatalf("expected backend error, got %v", err)
	}

	t.Setenv("GATEWAY_SERVER_PORT", "70000")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "server.port") {
		t.Fatalf("expected port error, got %v", err)
	}
}

func validConfig() Config {
	return Config{
		Server:  ServerConfig{Port: 3000, MaxBodyBytes: 1 << 20},
		Backend: "GLM",
		Client:  ClientConfig{Timeout: time.Minute, ConnectAttempts: 1},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := map[string]func(*Config){
		"port":             func(c *Config) { c.Server.Port = 0 },
		"negative timeout": func(c *Config) { c.Server.IdleTimeout = -time.Second },
		"body limit":       func(c *Config) { c.Server.MaxBodyBytes = 0 },
		"backend":          func(c *Config) { c.Backend = "claude" },
		"client timeout":   func(c *Config) { c.Client.Timeout = 0 },
		"connect attempts": func(c *Config) { c.Client.ConnectAttempts = 0 },
		"pool limits":      func(c *Config) { c.Client.MaxConnsPerHost = -1 },
		"log level":        func(c *Config) { c.Logging.Level = "trace" },
		"log format":       func(c *Config) { c.Logging.Format = "xml" },
		"rotation":         func(c *Config) { c.Logging.MaxAgeDays = -1 },
		"metrics path":     func(c *Config) { c.Metrics.Path = "metrics" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	cfg := validConfig()
	cfg.Metrics = MetricsConfig{Enabled: false, Path: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled metrics need no path: %v", err)
	}
}

func TestYAML(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	out, err := cfg.YAML()
	if err != nil {
		t.Fatalf("YAML: %v", err)
	}
	text := string(out)
	for _, want := range []string{"backend: GLM", "timeout: 30m0s", "127.0.0.1:11434", "port: 3000"} {
		if !strings.Contains(text, want) {
			t.Fatalf("YAML output missing %q:\n%s", want, text)
		}
	}
}
