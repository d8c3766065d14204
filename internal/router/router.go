package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"llm-gateway/internal/forwarder"
	"llm-gateway/internal/metrics"
	"llm-gateway/internal/models"
	"llm-gateway/internal/provider"
	"llm-gateway/internal/relay"
)

// Failure kinds. They double as the error envelope "type" and the metrics
// label.
const (
	KindInvalidRequest     = "invalid_request_error"
	KindConfiguration      = "configuration_error"
	KindUpstreamHTTP       = "upstream_http_error"
	KindUpstreamConnection = "upstream_connection_error"
	KindUpstreamStream     = "upstream_stream_error"
	KindMaxRetries         = "max_retries_exceeded"
	KindTimeout            = "timeout_error"
	KindCanceled           = "client_closed_request"
	KindServer             = "server_error"
)

const redacted = "[REDACTED]"

var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"x-api-key":           {},
	"api-key":             {},
	"cookie":              {},
}

// Router runs one chat request through resolve, forward and relay.
type Router struct {
	registry  *provider.Registry
	forwarder *forwarder.Forwarder
	relay     *relay.Relay
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// New constructs a router. collector may be nil when metrics are disabled.
func New(registry *provider.Registry, fwd *forwarder.Forwarder, rl *relay.Relay, collector *metrics.Collector, logger *slog.Logger) (*Router, error) {
	if registry == nil {
		return nil, errors.New("registry must not be nil")
	}
	if fwd == nil {
		return nil, errors.New("forwarder must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if rl == nil {
		rl = relay.New(logger)
	}
	return &Router{
		registry:  registry,
		forwarder: fwd,
		relay:     rl,
		metrics:   collector,
		logger:    logger,
	}, nil
}

// Chat forwards req to the backend registered under id and streams the
// upstream body into out. Bytes already written to out stay written when an
// error is returned.
func (r *Router) Chat(ctx context.Context, id provider.BackendID, req models.ChatRequest, headers http.Header, out relay.Writer) (relay.Stats, error) {
	start := time.Now()
	logger := r.logger.With("backend", string(id))

	logger.Info("chat request received",
		"headers", RedactHeaders(headers),
		"body", prettyJSON(req),
	)

	stats, err := r.chat(ctx, logger, id, req, headers, out)
	outcome := "success"
	if err != nil {
		kind := Classify(err)
		outcome = "error"
		r.metrics.ObserveFailure(string(id), kind)
		logger.Error("chat request failed", "kind", kind, "error", err, "chunks", stats.Chunks)
	}
	r.metrics.ObserveRequest(string(id), outcome, time.Since(start))
	return stats, err
}

func (r *Router) chat(ctx context.Context, logger *slog.Logger, id provider.BackendID, req models.ChatRequest, headers http.Header, out relay.Writer) (relay.Stats, error) {
	desc, backend, err := r.registry.Resolve(req, id)
	if err != nil {
		return relay.Stats{}, err
	}

	logger.Info("forwarding request", "url", desc.URL(), "body", prettyJSON(desc.Body))

	resp, err := r.forwarder.Forward(ctx, id, desc, headers)
	if err != nil {
		return relay.Stats{}, err
	}
	defer resp.Body.Close()

	release := r.metrics.StreamStarted(string(id))
	defer release()

	stats, err := r.relay.Run(ctx, backend, resp.Body, out)
	r.metrics.ObserveRelay(string(id), stats)
	if err != nil {
		return stats, err
	}

	logger.Info("stream completed",
		"status", resp.StatusCode,
		"chunks", stats.Chunks,
		"bytes", stats.Bytes,
		"retries", stats.Retries,
	)
	return stats, nil
}

// Classify maps a pipeline error onto its failure kind.
func Classify(err error) string {
	var (
		chunkErr     *relay.ChunkError
		statusErr    *forwarder.StatusError
		transportErr *forwarder.TransportError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &chunkErr):
		return KindUpstreamStream
	case errors.Is(err, relay.ErrMaxRetries):
		return KindMaxRetries
	case errors.As(err, &statusErr):
		return KindUpstreamHTTP
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		return KindTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, relay.ErrClientGone):
		return KindCanceled
	case errors.As(err, &transportErr):
		return KindUpstreamConnection
	case errors.Is(err, provider.ErrUnknownBackend):
		return KindConfiguration
	default:
		return KindServer
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// RedactHeaders flattens headers for logging with credentials masked.
func RedactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		if _, ok := sensitiveHeaders[strings.ToLower(key)]; ok {
			out[key] = redacted
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}

func prettyJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "<unencodable: " + err.Error() + ">"
	}
	return string(data)
}
