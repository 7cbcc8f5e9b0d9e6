package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrExhausted is returned by [Try] when no backend in a [Chain] produced a
// result.
var ErrExhausted = errors.New("resilience: all backends failed")

type link[T any] struct {
	name    string
	backend T
	breaker *Breaker
}

// Chain is an ordered list of interchangeable backends. Backends are added
// during setup; after that a Chain is safe for concurrent use.
type Chain[T any] struct {
	cfg   BreakerConfig
	links []link[T]
}

// NewChain returns an empty chain whose breakers use cfg. Each breaker is
// named after its backend.
func NewChain[T any](cfg BreakerConfig) *Chain[T] {
	return &Chain[T]{cfg: cfg}
}

// Add appends a backend. Backends are tried in the order added.
func (c *Chain[T]) Add(name string, backend T) *Chain[T] {
	cfg := c.cfg
	cfg.Name = name
	c.links = append(c.links, link[T]{name: name, backend: backend, breaker: NewBreaker(cfg)})
	return c
}

// Names lists the backends in try order.
func (c *Chain[T]) Names() []string {
	names := make([]string, 0, len(c.links))
	for _, l := range c.links {
		names = append(names, l.name)
	}
	return names
}

// States maps each backend name to its breaker state.
func (c *Chain[T]) States() map[string]State {
	states := make(map[string]State, len(c.links))
	for _, l := range c.links {
		states[l.name] = l.breaker.State()
	}
	return states
}

// Try calls fn on each backend of c in order and returns the first success.
// Backends with an open breaker are skipped. Once ctx is done the walk stops
// and the context error is returned unwrapped.
func Try[T, R any](ctx context.Context, c *Chain[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for _, l := range c.links {
		var out R
		err := l.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx, l.backend)
			return err
		})
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("backend skipped, circuit open", "backend", l.name)
		} else {
			slog.Warn("backend failed", "backend", l.name, "error", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", l.name, err))
	}
	if len(errs) == 0 {
		return zero, fmt.Errorf("%w: no backend configured", ErrExhausted)
	}
	return zero, fmt.Errorf("%w: %w", ErrExhausted, errors.Join(errs...))
}
