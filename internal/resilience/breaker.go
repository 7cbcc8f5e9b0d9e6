// Package resilience keeps failing analysis backends from stalling the
// pipeline.
//
// A [Breaker] trips after a run of consecutive failures and rejects calls
// until a cooldown passes, after which a few probe calls decide whether the
// backend is back. A [Chain] orders several backends of the same kind, each
// behind its own breaker, and [Try] walks it until one answers.
//
// Only the backend's own failures count. A call that fails because the
// caller cancelled (the session went away) leaves the breaker alone, while an
// expired deadline is charged to the backend.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects every call until the cooldown has passed.
	StateOpen
	// StateHalfOpen admits a bounded number of probe calls.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig tunes a [Breaker]. Zero values take the defaults noted.
type BreakerConfig struct {
	// Name labels the backend in logs and transition callbacks, e.g.
	// "transcribe/whisper".
	Name string

	// Threshold is the run of consecutive failures that opens the breaker.
	// Default 5.
	Threshold int

	// Cooldown is how long the breaker stays open. Default 30s.
	Cooldown time.Duration

	// Probes is both the number of concurrent half-open calls admitted and
	// the number of successes needed to close again. Default 3.
	Probes int

	// OnTransition runs after every state change, outside the lock.
	OnTransition func(name string, from, to State)

	// Now replaces time.Now in tests.
	Now func() time.Time
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 3
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Breaker is a three-state circuit breaker. Outcomes are tagged with the
// generation they were admitted in; a call that finishes after the breaker
// has moved on does not affect the new state.
type Breaker struct {
	cfg BreakerConfig

	mu         sync.Mutex
	state      State
	generation uint64
	failures   int // consecutive, closed state only
	openedAt   time.Time
	inFlight   int // half-open probes running
	passed     int // half-open probes succeeded
}

// NewBreaker returns a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// Name returns the configured name.
func (b *Breaker) Name() string { return b.cfg.Name }

// Do runs fn when the breaker admits the call and returns fn's error, or
// [ErrCircuitOpen] without calling fn. A done ctx is returned as is.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	gen, probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)
	switch {
	case err == nil:
		b.settle(gen, probe, true)
	case errors.Is(ctx.Err(), context.Canceled):
		b.release(gen, probe)
	default:
		b.settle(gen, probe, false)
	}
	return err
}

// admit decides whether a call may run and reports the generation it runs in.
func (b *Breaker) admit() (gen uint64, probe bool, err error) {
	b.mu.Lock()
	from := b.state
	if b.state == StateOpen {
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return 0, false, ErrCircuitOpen
		}
		b.shift(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		if b.inFlight >= b.cfg.Probes {
			b.mu.Unlock()
			b.announce(from, StateHalfOpen)
			return 0, false, ErrCircuitOpen
		}
		b.inFlight++
		probe = true
	}
	gen, to := b.generation, b.state
	b.mu.Unlock()

	b.announce(from, to)
	return gen, probe, nil
}

// settle records the outcome of a call admitted in generation gen.
func (b *Breaker) settle(gen uint64, probe, ok bool) {
	b.mu.Lock()
	if gen != b.generation {
		b.mu.Unlock()
		return
	}
	from := b.state
	switch {
	case ok && probe:
		b.passed++
		if b.passed >= b.cfg.Probes {
			b.shift(StateClosed)
		}
	case ok:
		b.failures = 0
	case probe:
		b.shift(StateOpen)
	default:
		b.failures++
		if b.failures >= b.cfg.Threshold {
			b.shift(StateOpen)
		}
	}
	to := b.state
	b.mu.Unlock()

	b.announce(from, to)
}

// release hands a probe slot back without judging the backend.
func (b *Breaker) release(gen uint64, probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	if gen == b.generation {
		b.inFlight--
	}
	b.mu.Unlock()
}

// shift moves to state s and starts a new generation. b.mu must be held.
func (b *Breaker) shift(s State) {
	b.state = s
	b.generation++
	b.failures = 0
	b.inFlight = 0
	b.passed = 0
	if s == StateOpen {
		b.openedAt = b.cfg.Now()
	}
}

func (b *Breaker) announce(from, to State) {
	if from == to {
		return
	}
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state change",
		"backend", b.cfg.Name, "from", from.String(), "to", to.String())
	if b.cfg.OnTransition != nil {
		b.cfg.OnTransition(b.cfg.Name, from, to)
	}
}

// State reports the current state. An open breaker whose cooldown has passed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.shift(StateClosed)
	b.mu.Unlock()
	b.announce(from, StateClosed)
}
