package glm

import (
	"strings"

	"llm-gateway/internal/models"
	"llm-gateway/internal/provider"
)

const (
	DefaultHost = "https://open.bigmodel.cn"
	Endpoint    = "/api/paas/v4/chat/completions"
	// Model is always sent; caller supplied model names are not valid for GLM.
	Model = "glm-4-long"
)

// Backend targets the Zhipu GLM chat completions API.
type Backend struct {
	host string
}

// New creates a GLM backend. An empty host selects DefaultHost.
func New(host string) *Backend {
	host = strings.TrimSpace(host)
	if host == "" {
		host = DefaultHost
	}
	return &Backend{host: host}
}

func (b *Backend) ID() provider.BackendID {
	return provider.GLM
}

func (b *Backend) BuildDescriptor(req models.ChatRequest) provider.Descriptor {
	return provider.Descriptor{
		Host:     b.host,
		Endpoint: Endpoint,
		Body:     provider.NewChatPayload(Model, req),
	}
}

// ValidateChunk accepts anything; SSE framing is relayed opaquely.
func (b *Backend) ValidateChunk(string) error {
	return nil
}
