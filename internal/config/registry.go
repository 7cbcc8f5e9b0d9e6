package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/earshot/pkg/provider/sentiment"
	"github.com/MrWong99/earshot/pkg/provider/transcribe"
	"github.com/MrWong99/earshot/pkg/provider/voiceprint"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a backend from its configuration entry.
type Factory[T any] func(ProviderEntry) (T, error)

// Registry maps backend names to their constructor functions for each
// backend kind. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	transcribe map[string]Factory[transcribe.Provider]
	sentiment  map[string]Factory[sentiment.Provider]
	voiceprint map[string]Factory[voiceprint.Provider]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transcribe: make(map[string]Factory[transcribe.Provider]),
		sentiment:  make(map[string]Factory[sentiment.Provider]),
		voiceprint: make(map[string]Factory[voiceprint.Provider]),
	}
}

// RegisterTranscribe registers a transcription backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTranscribe(name string, factory Factory[transcribe.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcribe[name] = factory
}

// RegisterSentiment registers a sentiment backend factory under name.
func (r *Registry) RegisterSentiment(name string, factory Factory[sentiment.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sentiment[name] = factory
}

// RegisterVoiceprint registers a voiceprint backend factory under name.
func (r *Registry) RegisterVoiceprint(name string, factory Factory[voiceprint.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voiceprint[name] = factory
}

// CreateTranscribe instantiates the transcription backend registered under
// entry.Name. Returns [ErrProviderNotRegistered] if there is none.
func (r *Registry) CreateTranscribe(entry ProviderEntry) (transcribe.Provider, error) {
	r.mu.RLock()
	factory, ok := r.transcribe[entry.Name]
	r.mu.RUnlock()
	return create(factory, ok, "transcribe", entry)
}

// CreateSentiment instantiates the sentiment backend registered under entry.Name.
func (r *Registry) CreateSentiment(entry ProviderEntry) (sentiment.Provider, error) {
	r.mu.RLock()
	factory, ok := r.sentiment[entry.Name]
	r.mu.RUnlock()
	return create(factory, ok, "sentiment", entry)
}

// CreateVoiceprint instantiates the voiceprint backend registered under entry.Name.
func (r *Registry) CreateVoiceprint(entry ProviderEntry) (voiceprint.Provider, error) {
	r.mu.RLock()
	factory, ok := r.voiceprint[entry.Name]
	r.mu.RUnlock()
	return create(factory, ok, "voiceprint", entry)
}

func create[T any](factory Factory[T], ok bool, kind string, entry ProviderEntry) (T, error) {
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("config: create %s/%q: %w", kind, entry.Name, err)
	}
	return p, nil
}
