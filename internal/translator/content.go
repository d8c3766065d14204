package translator

import (
	"bytes"
	"encoding/json"
	"strings"

	"llm-gateway/internal/models"
)

// PlainMessage is a message whose content has been flattened to text.
type PlainMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NormalizeMessages flattens every message's content, preserving order.
func NormalizeMessages(msgs []models.Message) []PlainMessage {
	out := make([]PlainMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, PlainMessage{
			Role:    m.Role,
			Content: NormalizeContent(m.Content),
		})
	}
	return out
}

// NormalizeContent extracts plain text from a message body. It never fails:
// segments without a text field are dropped and unknown shapes fall back to
// their compact JSON rendering.
func NormalizeContent(c models.Content) string {
	switch v := c.(type) {
	case models.TextContent:
		return string(v)
	case models.SegmentContent:
		return joinSegments(v)
	case models.RawContent:
		return renderJSON(v)
	default:
		return "null"
	}
}

func joinSegments(segments models.SegmentContent) string {
	texts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if text, ok := segmentText(seg); ok {
			texts = append(texts, text)
		}
	}
	return strings.Join(texts, "\n")
}

func segmentText(seg json.RawMessage) (string, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(seg, &fields); err != nil || fields == nil {
		return "", false
	}

	raw, ok := fields["text"]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", false
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, true
	}
	return renderJSON(raw), true
}

func renderJSON(raw []byte) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
