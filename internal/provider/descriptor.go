package provider

import (
	"strings"

	"llm-gateway/internal/models"
	"llm-gateway/internal/translator"
)

// DefaultTemperature applies when the caller omits temperature.
const DefaultTemperature = 0.7

// Descriptor is the fully resolved outbound request for one inbound request.
type Descriptor struct {
	Host     string
	Endpoint string
	Body     ChatPayload
}

// URL joins host and endpoint. Hosts configured without a scheme are
// reached over plain HTTP.
func (d Descriptor) URL() string {
	host := strings.TrimRight(d.Host, "/")
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return host + d.Endpoint
}

// ChatPayload is the JSON body sent upstream.
type ChatPayload struct {
	Model         string                    `json:"model"`
	Messages      []translator.PlainMessage `json:"messages"`
	Temperature   float64                   `json:"temperature"`
	Stream        bool                      `json:"stream"`
	MaxTokens     *int                      `json:"max_tokens,omitempty"`
	ContextLength *int                      `json:"context_length,omitempty"`
}

// NewChatPayload builds the body shared by every backend: normalized
// messages plus temperature and stream with their defaults applied.
func NewChatPayload(model string, req models.ChatRequest) ChatPayload {
	temperature := DefaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	var stream bool
	if req.Stream != nil {
		stream = *req.Stream
	}

	return ChatPayload{
		Model:       model,
		Messages:    translator.NormalizeMessages(req.Messages),
		Temperature: temperature,
		Stream:      stream,
	}
}
