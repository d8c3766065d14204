package factory

import (
	"errors"
	"fmt"
	"net/http"

	"llm-gateway/internal/config"
	"llm-gateway/internal/forwarder"
	"llm-gateway/internal/provider"
	"llm-gateway/internal/provider/glm"
	"llm-gateway/internal/provider/kimi"
	"llm-gateway/internal/provider/ollama"
)

// RegisterConfiguredBackends registers every known backend with the host from
// configuration. Only cfg.Backend is routed to, but all are registered so
// the registry can answer for any id.
func RegisterConfiguredBackends(cfg config.Config, registry *provider.Registry) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}

	backends := []provider.Backend{
		ollama.New(cfg.BackendHost(provider.Ollama)),
		glm.New(cfg.BackendHost(provider.GLM)),
		kimi.New(cfg.BackendHost(provider.Kimi)),
	}
	for _, b := range backends {
		if err := registry.Register(b); err != nil {
			return fmt.Errorf("register %s backend: %w", b.ID(), err)
		}
	}
	return nil
}

// NewHTTPClient builds the shared outbound client from configuration.
func NewHTTPClient(cfg config.ClientConfig) *http.Client {
	return forwarder.NewHTTPClient(forwarder.ClientOptions{
		Timeout:         cfg.Timeout,
		DialTimeout:     cfg.DialTimeout,
		KeepAlive:       cfg.KeepAlive,
		MaxIdleConns:    cfg.MaxIdleConns,
		MaxConnsPerHost: cfg.MaxConnsPerHost,
		ConnectAttempts: cfg.ConnectAttempts,
	})
}
