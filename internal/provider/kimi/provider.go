package kimi

import (
	"strings"

	"llm-gateway/internal/models"
	"llm-gateway/internal/provider"
)

const (
	DefaultHost = "https://api.moonshot.cn"
	Endpoint    = "/v1/chat/completions"
	Model       = "moonshot-v1-8k"
)

// Backend targets the Moonshot (Kimi) chat completions API.
type Backend struct {
	host string
}

// New creates a Kimi backend. An empty host selects DefaultHost.
func New(host string) *Backend {
	host = strings.TrimSpace(host)
	if host == "" {
		host = DefaultHost
	}
	return &Backend{host: host}
}

func (b *Backend) ID() provider.BackendID {
	return provider.Kimi
}

func (b *Backend) BuildDescriptor(req models.ChatRequest) provider.Descriptor {
	return provider.Descriptor{
		Host:     b.host,
		Endpoint: Endpoint,
		Body:     provider.NewChatPayload(Model, req),
	}
}

func (b *Backend) ValidateChunk(string) error {
	return nil
}
