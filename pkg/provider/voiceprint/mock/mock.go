// Package mock provides a test double for the voiceprint.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Result: voiceprint.Embedding{Vector: []float64{1, 0}, Quality: 0.9}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/provider/voiceprint"
)

// Provider is a mock implementation of voiceprint.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Extract when Func is nil.
	Result voiceprint.Embedding

	// Err, if non-nil, is returned as the error from Extract.
	Err error

	// Func, if set, derives the embedding from the audio instead of Result.
	Func func(pcm []byte) (voiceprint.Embedding, error)

	calls int
}

// Extract records the call and returns the configured response.
func (p *Provider) Extract(_ context.Context, pcm []byte, _ int) (voiceprint.Embedding, error) {
	p.mu.Lock()
	p.calls++
	fn, result, err := p.Func, p.Result, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(pcm)
	}
	return result, err
}

// CallCount returns the number of Extract invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

var _ voiceprint.Provider = (*Provider)(nil)
