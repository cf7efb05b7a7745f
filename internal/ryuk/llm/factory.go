package llm

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Backend names accepted as a ProviderID prefix.
const (
	BackendGemini = "gemini"
	BackendOpenAI = "openai"
)

// ErrUnknownBackend is returned by Resolve for an unrecognised ID prefix.
var ErrUnknownBackend = errors.New("llm: unknown backend")

// ErrMissingCredentials is returned by Resolve when the backend for an ID has
// no API key configured.
var ErrMissingCredentials = errors.New("llm: backend has no API key")

// FactoryConfig carries the credentials and endpoints for every backend.
type FactoryConfig struct {
	GeminiAPIKey  string
	GeminiBaseURL string

	OpenAIAPIKey  string
	OpenAIBaseURL string

	// Timeout applies to every HTTP client the factory builds.
	Timeout time.Duration
}

// Factory turns provider IDs into Models. Built models are cached so the
// same ID always yields the same client.
//
// ID grammar:
//
//	gemini-1.5-pro          bare name, Gemini backend
//	gemini:gemini-1.5-pro   explicit Gemini backend
//	openai:gpt-4o-mini      OpenAI-compatible backend
type Factory struct {
	cfg FactoryConfig

	mu     sync.Mutex
	models map[ProviderID]Model
}

// NewFactory creates a Factory for the given backend configuration.
func NewFactory(cfg FactoryConfig) *Factory {
	return &Factory{cfg: cfg, models: make(map[ProviderID]Model)}
}

// ParseID splits a provider ID into backend and model name.
func ParseID(id ProviderID) (backend, model string) {
	s := strings.TrimSpace(string(id))
	if b, m, ok := strings.Cut(s, ":"); ok {
		return strings.ToLower(strings.TrimSpace(b)), strings.TrimSpace(m)
	}
	return BackendGemini, s
}

// Resolve returns the Model serving id.
func (f *Factory) Resolve(id ProviderID) (Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if m, ok := f.models[id]; ok {
		return m, nil
	}

	backend, name := ParseID(id)
	if name == "" {
		return nil, fmt.Errorf("llm: provider id %q has no model name", id)
	}

	var m Model
	switch backend {
	case BackendGemini:
		if f.cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingCredentials, backend)
		}
		m = NewGemini(GeminiConfig{
			APIKey:  f.cfg.GeminiAPIKey,
			BaseURL: f.cfg.GeminiBaseURL,
			Model:   name,
			Timeout: f.cfg.Timeout,
		})
	case BackendOpenAI:
		if f.cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingCredentials, backend)
		}
		m = NewOpenAI(OpenAIConfig{
			APIKey:  f.cfg.OpenAIAPIKey,
			BaseURL: f.cfg.OpenAIBaseURL,
			Model:   name,
			Timeout: f.cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("%w %q in provider id %q", ErrUnknownBackend, backend, id)
	}

	f.models[id] = m
	return m, nil
}
