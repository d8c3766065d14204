package ollama

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"llm-gateway/internal/models"
	"llm-gateway/internal/provider"
)

const (
	DefaultHost   = "127.0.0.1:11434"
	Endpoint      = "/api/chat"
	DefaultModel  = "deepseek-r1:1.5b"
	MaxTokens     = 4096
	ContextLength = 4096
)

// ErrMissingMessage reports a chunk that parsed as JSON but carries no message field.
var ErrMissingMessage = errors.New("ollama chunk has no message field")

// Backend targets a local or remote Ollama server. It is the only backend
// that honours the caller's model name.
type Backend struct {
	host string
}

// New creates an Ollama backend. An empty host selects DefaultHost.
func New(host string) *Backend {
	host = strings.TrimSpace(host)
	if host == "" {
		host = DefaultHost
	}
	return &Backend{host: host}
}

func (b *Backend) ID() provider.BackendID {
	return provider.Ollama
}

func (b *Backend) BuildDescriptor(req models.ChatRequest) provider.Descriptor {
	model := req.Model
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}

	body := provider.NewChatPayload(model, req)
	maxTokens, contextLength := MaxTokens, ContextLength
	body.MaxTokens = &maxTokens
	body.ContextLength = &contextLength

	return provider.Descriptor{
		Host:     b.host,
		Endpoint: Endpoint,
		Body:     body,
	}
}

// ValidateChunk expects a single JSON object with a message field.
func (b *Backend) ValidateChunk(text string) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return fmt.Errorf("decode ollama chunk: %w", err)
	}
	if _, ok := obj["message"]; !ok {
		return ErrMissingMessage
	}
	return nil
}
