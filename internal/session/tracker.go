package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/speaker"
)

var (
	// ErrNotFound is returned when no live session matches an id or call id.
	ErrNotFound = errors.New("session: not found")

	// ErrExists is returned when opening a session whose id or call id is
	// already live.
	ErrExists = errors.New("session: already exists")
)

// minReapInterval bounds how often the idle reaper wakes up.
const minReapInterval = time.Second

// CloseFunc is invoked once per session after it has been closed, with the
// registry contents at the moment of closing. ctx carries the deadline of the
// teardown that triggered it.
type CloseFunc func(ctx context.Context, s *Session, final []speaker.Profile)

// TrackerConfig configures a [Tracker].
type TrackerConfig struct {
	// Speaker configures every new session's registry.
	Speaker speaker.Config

	// IdleTimeout closes sessions without activity for longer than this.
	// Zero disables the reaper.
	IdleTimeout time.Duration

	// ReapInterval is how often the reaper runs. Defaults to a quarter of
	// IdleTimeout, at least one second.
	ReapInterval time.Duration

	// Metrics receives the active session gauge. Optional.
	Metrics *observe.Metrics

	// OnClose is called after a session is closed. Optional.
	OnClose CloseFunc

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Tracker owns every live [Session]. All methods are safe for concurrent use.
type Tracker struct {
	cfg TrackerConfig
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	calls    map[string]*Session

	done     chan struct{}
	stopOnce sync.Once
}

// NewTracker creates an empty tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = max(cfg.IdleTimeout/4, minReapInterval)
	}
	return &Tracker{
		cfg:      cfg,
		now:      now,
		sessions: make(map[string]*Session),
		calls:    make(map[string]*Session),
		done:     make(chan struct{}),
	}
}

// Open creates a session. callID may be empty for direct-path sessions.
// Returns [ErrExists] when id or callID is already live.
func (t *Tracker) Open(id, callID string) (*Session, error) {
	if id == "" {
		return nil, errors.New("session: id must not be empty")
	}

	t.mu.Lock()
	if _, ok := t.sessions[id]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("session: open %q: %w", id, ErrExists)
	}
	if callID != "" {
		if _, ok := t.calls[callID]; ok {
			t.mu.Unlock()
			return nil, fmt.Errorf("session: open call %q: %w", callID, ErrExists)
		}
	}
	s := newSession(id, callID, speaker.NewRegistry(t.cfg.Speaker), t.now())
	t.sessions[id] = s
	if callID != "" {
		t.calls[callID] = s
	}
	t.mu.Unlock()

	if t.cfg.Metrics != nil {
		t.cfg.Metrics.ActiveSessions.Add(context.Background(), 1)
	}
	slog.Info("session opened", "session_id", id, "call_id", callID)
	return s, nil
}

// Register creates the session for an accepted telephony call. The call id
// doubles as the session id.
func (t *Tracker) Register(callID string) (*Session, error) {
	if callID == "" {
		return nil, errors.New("session: call id must not be empty")
	}
	return t.Open(callID, callID)
}

// Lookup returns the live session with the given id.
func (t *Tracker) Lookup(id string) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session: lookup %q: %w", id, ErrNotFound)
	}
	return s, nil
}

// LookupCall returns the live session bound to callID.
func (t *Tracker) LookupCall(callID string) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.calls[callID]
	if !ok {
		return nil, fmt.Errorf("session: lookup call %q: %w", callID, ErrNotFound)
	}
	return s, nil
}

// Sessions returns a snapshot of every live session.
func (t *Tracker) Sessions() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Close tears down the session with the given id: its context is cancelled
// first, then its registry is closed, so an update racing with teardown
// either commits before the close or is abandoned.
func (t *Tracker) Close(id string) error {
	t.mu.Lock()
	s, ok := t.sessions[id]
	if ok {
		delete(t.sessions, id)
		if s.CallID != "" {
			delete(t.calls, s.CallID)
		}
	}
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("session: close %q: %w", id, ErrNotFound)
	}
	t.teardown(context.Background(), s, "closed")
	return nil
}

// CloseCall tears down the session bound to callID.
func (t *Tracker) CloseCall(callID string) error {
	s, err := t.LookupCall(callID)
	if err != nil {
		return err
	}
	return t.Close(s.ID)
}

// CloseAll tears down every live session. Teardowns run concurrently and
// their OnClose callbacks share ctx, so the whole call is bounded by its
// deadline rather than by the number of sessions.
func (t *Tracker) CloseAll(ctx context.Context) {
	t.mu.Lock()
	all := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		all = append(all, s)
	}
	clear(t.sessions)
	clear(t.calls)
	t.mu.Unlock()

	var g errgroup.Group
	for _, s := range all {
		g.Go(func() error {
			t.teardown(ctx, s, "shutdown")
			return nil
		})
	}
	_ = g.Wait()
}

// ReapIdle closes every session idle for longer than the configured timeout
// and returns their ids.
func (t *Tracker) ReapIdle(now time.Time) []string {
	if t.cfg.IdleTimeout <= 0 {
		return nil
	}

	t.mu.Lock()
	var idle []*Session
	for id, s := range t.sessions {
		if now.Sub(s.LastActivity()) > t.cfg.IdleTimeout {
			idle = append(idle, s)
			delete(t.sessions, id)
			if s.CallID != "" {
				delete(t.calls, s.CallID)
			}
		}
	}
	t.mu.Unlock()

	ids := make([]string, 0, len(idle))
	for _, s := range idle {
		t.teardown(context.Background(), s, "idle")
		ids = append(ids, s.ID)
	}
	return ids
}

// Start runs the idle reaper in a background goroutine until [Tracker.Stop]
// is called or ctx is cancelled. It is a no-op when IdleTimeout is zero.
func (t *Tracker) Start(ctx context.Context) {
	if t.cfg.IdleTimeout <= 0 {
		return
	}
	go t.loop(ctx)
}

// Stop halts the reaper. Safe to call multiple times.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
	})
}

func (t *Tracker) loop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
			if ids := t.ReapIdle(t.now()); len(ids) > 0 {
				slog.Info("reaped idle sessions", "count", len(ids), "session_ids", ids)
			}
		}
	}
}

func (t *Tracker) teardown(ctx context.Context, s *Session, reason string) {
	s.cancel()
	final := s.Registry.Close()

	if t.cfg.Metrics != nil {
		t.cfg.Metrics.ActiveSessions.Add(ctx, -1)
		t.cfg.Metrics.SpeakerProfiles.Add(ctx, -int64(len(final)))
	}
	slog.Info("session closed",
		"session_id", s.ID,
		"call_id", s.CallID,
		"reason", reason,
		"speakers", len(final),
		"duration", t.now().Sub(s.CreatedAt),
	)
	if t.cfg.OnClose != nil {
		t.cfg.OnClose(ctx, s, final)
	}
}
