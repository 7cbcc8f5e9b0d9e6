// Package mock provides a test double for the sentiment.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/provider/sentiment"
)

// Provider is a mock implementation of sentiment.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Classify.
	Result sentiment.Score

	// Err, if non-nil, is returned as the error from Classify.
	Err error

	// Texts records the text of every Classify call in order.
	Texts []string
}

// Classify records the call and returns Result, Err.
func (p *Provider) Classify(_ context.Context, text string) (sentiment.Score, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Texts = append(p.Texts, text)
	return p.Result, p.Err
}

// CallCount returns the number of Classify invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Texts)
}

var _ sentiment.Provider = (*Provider)(nil)
