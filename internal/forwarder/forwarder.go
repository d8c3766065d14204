package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"llm-gateway/internal/provider"
)

const (
	contentTypeJSON = "application/json"
	maxErrorBody    = 1 << 20 // 1 MiB
)

// Transport framing headers that must be recomputed for the outbound connection.
var strippedHeaders = []string{"Content-Length", "Host", "Connection"}

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	Backend    provider.BackendID
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error: %s - %s", e.Backend, e.Status, e.Body)
}

// TransportError reports a failure to obtain any upstream response.
type TransportError struct {
	Backend provider.BackendID
	URL     string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s request to %s failed: %v", e.Backend, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Forwarder issues the outbound call for a resolved descriptor.
type Forwarder struct {
	client *http.Client
}

// New creates a forwarder around a shared client.
func New(client *http.Client) (*Forwarder, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	return &Forwarder{client: client}, nil
}

// Forward posts the descriptor body upstream and returns the live response
// once headers arrive. The caller owns the returned body. Non-2xx responses
// are drained, closed and returned as *StatusError.
func (f *Forwarder) Forward(ctx context.Context, backend provider.BackendID, d provider.Descriptor, inbound http.Header) (*http.Response, error) {
	body, err := json.Marshal(d.Body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", backend, err)
	}

	url := d.URL()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct %s request: %w", backend, err)
	}

	req.Header = FilterHeaders(inbound)
	req.Header.Set("Content-Type", contentTypeJSON)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &TransportError{Backend: backend, URL: url, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, readStatusError(backend, resp)
	}
	return resp, nil
}

// FilterHeaders copies every header except Content-Length, Host and Connection.
func FilterHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for key, values := range in {
		if isStripped(key) {
			continue
		}
		out[key] = append([]string(nil), values...)
	}
	return out
}

func isStripped(key string) bool {
	for _, h := range strippedHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

func readStatusError(backend provider.BackendID, resp *http.Response) error {
	statusErr := &StatusError{
		Backend:    backend,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
	}
	if statusErr.Status == "" {
		statusErr.Status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		statusErr.Body = fmt.Sprintf("<failed to read body: %v>", err)
		return statusErr
	}
	statusErr.Body = strings.TrimSpace(string(data))
	return statusErr
}
