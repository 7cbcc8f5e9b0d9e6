// Package mock provides an in-memory test double for [store.Store].
//
// Every call is recorded for assertions; the *Err fields make the matching
// method fail. Safe for concurrent use.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/store"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [store.Store].
type Store struct {
	mu    sync.Mutex
	calls []Call

	results  map[string][]store.ResultRecord
	speakers map[string][]store.SpeakerSnapshot

	// WriteResultErr is returned by WriteResult when non-nil.
	WriteResultErr error

	// WriteSpeakersErr is returned by WriteSpeakers when non-nil.
	WriteSpeakersErr error

	// ReadErr is returned by every read method when non-nil.
	ReadErr error

	// NearestResult is returned by NearestSpeakers.
	NearestResult []store.SpeakerMatch
}

func (s *Store) record(method string, args ...any) {
	s.calls = append(s.calls, Call{Method: method, Args: args})
}

// WriteResult implements [store.Store]. Successful writes are kept and
// returned by Results.
func (s *Store) WriteResult(_ context.Context, r store.ResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("WriteResult", r)
	if s.WriteResultErr != nil {
		return s.WriteResultErr
	}
	if s.results == nil {
		s.results = make(map[string][]store.ResultRecord)
	}
	s.results[r.SessionID] = append(s.results[r.SessionID], r)
	return nil
}

// WriteSpeakers implements [store.Store].
func (s *Store) WriteSpeakers(_ context.Context, sessionID string, speakers []store.SpeakerSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("WriteSpeakers", sessionID, speakers)
	if s.WriteSpeakersErr != nil {
		return s.WriteSpeakersErr
	}
	if s.speakers == nil {
		s.speakers = make(map[string][]store.SpeakerSnapshot)
	}
	s.speakers[sessionID] = append([]store.SpeakerSnapshot(nil), speakers...)
	return nil
}

// Results implements [store.Store].
func (s *Store) Results(_ context.Context, sessionID string) ([]store.ResultRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Results", sessionID)
	if s.ReadErr != nil {
		return nil, s.ReadErr
	}
	return append([]store.ResultRecord{}, s.results[sessionID]...), nil
}

// Speakers implements [store.Store].
func (s *Store) Speakers(_ context.Context, sessionID string) ([]store.SpeakerSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Speakers", sessionID)
	if s.ReadErr != nil {
		return nil, s.ReadErr
	}
	return append([]store.SpeakerSnapshot{}, s.speakers[sessionID]...), nil
}

// NearestSpeakers implements [store.Store].
func (s *Store) NearestSpeakers(_ context.Context, centroid []float32, limit int) ([]store.SpeakerMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("NearestSpeakers", centroid, limit)
	if s.ReadErr != nil {
		return nil, s.ReadErr
	}
	return s.NearestResult, nil
}

// Calls returns a copy of all recorded calls.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount returns how many times method was called.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

var _ store.Store = (*Store)(nil)
