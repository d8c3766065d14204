package provider

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"llm-gateway/internal/models"
)

// ErrUnknownBackend indicates the requested backend is not registered.
var ErrUnknownBackend = errors.New("unknown backend")

// ErrDuplicateBackend indicates an attempt to register the same backend twice.
var ErrDuplicateBackend = errors.New("backend already registered")

// BackendID names one of the supported upstream providers.
type BackendID string

const (
	Ollama BackendID = "OLLAMA"
	GLM    BackendID = "GLM"
	Kimi   BackendID = "KIMI"
)

// ParseBackendID converts a configuration value into a BackendID, ignoring case.
func ParseBackendID(value string) (BackendID, error) {
	switch id := BackendID(strings.ToUpper(strings.TrimSpace(value))); id {
	case Ollama, GLM, Kimi:
		return id, nil
	default:
		return "", fmt.Errorf("%w: %q must be one of %s, %s or %s", ErrUnknownBackend, value, Ollama, GLM, Kimi)
	}
}

// Backend turns a unified request into a provider specific descriptor and
// checks streamed chunks for provider specific shape.
type Backend interface {
	ID() BackendID
	BuildDescriptor(req models.ChatRequest) Descriptor
	// ValidateChunk reports a malformed chunk. The relay treats the result
	// as advisory and never aborts on it.
	ValidateChunk(text string) error
}

// Registry maintains the set of configured backends.
type Registry struct {
	mu   sync.RWMutex
	byID map[BackendID]Backend
}

// NewRegistry constructs an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[BackendID]Backend),
	}
}

// Register adds a backend to the registry.
func (r *Registry) Register(b Backend) error {
	if b == nil {
		return errors.New("backend must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[b.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBackend, b.ID())
	}
	r.byID[b.ID()] = b
	return nil
}

// Lookup returns the backend registered under id.
func (r *Registry) Lookup(id BackendID) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, id)
	}
	return b, nil
}

// IDs lists the registered backends in sorted order.
func (r *Registry) IDs() []BackendID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]BackendID, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Resolve maps a request onto the descriptor of the backend registered under id.
func (r *Registry) Resolve(req models.ChatRequest, id BackendID) (Descriptor, Backend, error) {
	b, err := r.Lookup(id)
	if err != nil {
		return Descriptor{}, nil, err
	}
	return b.BuildDescriptor(req), b, nil
}
