package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ChatRequest is the backend-agnostic chat completion request accepted by the gateway.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      *bool     `json:"stream,omitempty"`
}

// Message is a single conversational turn. Role is forwarded verbatim.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Content is the polymorphic message body. It is one of TextContent,
// SegmentContent or RawContent.
type Content interface {
	isContent()
}

// TextContent is a plain string body.
type TextContent string

// SegmentContent is an ordered sequence of content segments. Elements are
// kept undecoded so that non-object elements survive until normalization.
type SegmentContent []json.RawMessage

// RawContent is any other JSON value, kept verbatim.
type RawContent json.RawMessage

func (TextContent) isContent()    {}
func (SegmentContent) isContent() {}
func (RawContent) isContent()     {}

// MarshalJSON renders the raw value as-is; an empty value renders as null.
func (r RawContent) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return []byte(r), nil
}

// UnmarshalJSON selects the content variant from the shape of the JSON value.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, err := DecodeContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = raw.Role
	m.Content = content
	return nil
}

// DecodeContent classifies a raw JSON content value. A missing value decodes
// to RawContent("null").
func DecodeContent(raw json.RawMessage) (Content, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return RawContent("null"), nil
	}

	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return nil, fmt.Errorf("decode message content: %w", err)
		}
		return TextContent(text), nil
	case '[':
		var segments []json.RawMessage
		if err := json.Unmarshal(trimmed, &segments); err != nil {
			return nil, fmt.Errorf("decode message content: %w", err)
		}
		return SegmentContent(segments), nil
	default:
		cp := make([]byte, len(trimmed))
		copy(cp, trimmed)
		return RawContent(cp), nil
	}
}
