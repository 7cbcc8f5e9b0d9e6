// Package session tracks the lifetime of streaming sessions and the telephony
// calls bound to them.
//
// A [Session] exists from the moment it is opened (direct path) or registered
// by call control (telephony path) until it is closed by its connection, by
// call control, by the idle reaper, or at shutdown. Each session exclusively
// owns its [speaker.Registry]; nothing outside the session keeps references
// to its profiles.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/earshot/internal/speaker"
)

// SeqStatus classifies a telephony sequence number against the last one seen.
type SeqStatus int

const (
	// SeqOK is the next expected number (or the first one seen).
	SeqOK SeqStatus = iota

	// SeqGap skips one or more numbers. The chunk is still processed.
	SeqGap

	// SeqDuplicate repeats or precedes the last number seen. The chunk is
	// dropped.
	SeqDuplicate
)

// String returns the lowercase name used in logs and metric attributes.
func (s SeqStatus) String() string {
	switch s {
	case SeqOK:
		return "ok"
	case SeqGap:
		return "gap"
	case SeqDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Session is the state of one live conversation.
type Session struct {
	// ID is the session token (direct path) or the call id (telephony path).
	ID string

	// CallID is set for telephony sessions.
	CallID string

	// CreatedAt is when the session was opened.
	CreatedAt time.Time

	// Registry is the session's speaker map.
	Registry *speaker.Registry

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	lastSeq      int64
	hasSeq       bool
	lastActivity time.Time
	attached     bool
}

func newSession(id, callID string, reg *speaker.Registry, now time.Time) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:           id,
		CallID:       callID,
		CreatedAt:    now,
		Registry:     reg,
		ctx:          ctx,
		cancel:       cancel,
		lastActivity: now,
	}
}

// Context is cancelled when the session is closed. In-flight processing for
// the session derives from it.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Done is shorthand for Context().Done().
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Touch records activity at now.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
}

// LastActivity returns when the session last received a chunk.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// LastSequence returns the highest sequence number observed, or 0.
func (s *Session) LastSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// ObserveSequence classifies seq and, unless it is a duplicate, records it as
// the last sequence seen.
func (s *Session) ObserveSequence(seq int64) SeqStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasSeq {
		s.lastSeq, s.hasSeq = seq, true
		return SeqOK
	}
	if seq <= s.lastSeq {
		return SeqDuplicate
	}
	status := SeqOK
	if seq > s.lastSeq+1 {
		status = SeqGap
	}
	s.lastSeq = seq
	return status
}

// Attach binds a connection to the session. It returns false when another
// connection is already attached.
func (s *Session) Attach() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		return false
	}
	s.attached = true
	return true
}

// Detach releases the connection binding.
func (s *Session) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = false
}

// Attached reports whether a connection is bound.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}
