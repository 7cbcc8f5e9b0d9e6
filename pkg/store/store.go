// Package store defines where earshot persists what it has analysed.
//
// Persistence is optional and sits outside the session boundary: emitted
// results are appended as they are written to clients, and the final speaker
// profiles of a session are snapshotted when it closes. Nothing is read back
// on the hot path.
//
// Every implementation must be safe for concurrent use.
package store

import (
	"context"
	"time"
)

// ResultRecord is one emitted analysis result.
type ResultRecord struct {
	// ID uniquely identifies the row.
	ID string

	SessionID string
	Sequence  int64

	Text     string
	Language string

	SentimentLabel string
	SentimentScore float64

	// SpeakerID is empty when no speaker was assigned.
	SpeakerID         string
	SpeakerConfidence float64

	AudioDuration time.Duration
	Timestamp     time.Time
}

// SpeakerSnapshot is the state of one speaker profile when its session closed.
type SpeakerSnapshot struct {
	SessionID string
	SpeakerID string

	// Centroid is the profile's voice embedding.
	Centroid []float32

	UpdateCount  int
	TotalQuality float64
	LastSeen     time.Time
}

// SpeakerMatch is a stored speaker ranked by similarity to a query embedding.
type SpeakerMatch struct {
	Snapshot SpeakerSnapshot

	// Distance is the cosine distance to the query (0 = identical).
	Distance float64
}

// Store persists results and speaker snapshots.
type Store interface {
	// WriteResult appends r.
	WriteResult(ctx context.Context, r ResultRecord) error

	// WriteSpeakers stores the final profiles of sessionID, replacing any
	// earlier snapshot of the same session.
	WriteSpeakers(ctx context.Context, sessionID string, speakers []SpeakerSnapshot) error

	// Results returns the results of sessionID in sequence order.
	Results(ctx context.Context, sessionID string) ([]ResultRecord, error)

	// Speakers returns the snapshot of sessionID ordered by speaker id.
	Speakers(ctx context.Context, sessionID string) ([]SpeakerSnapshot, error)

	// NearestSpeakers returns up to limit stored speakers across all sessions
	// closest to centroid, nearest first.
	NearestSpeakers(ctx context.Context, centroid []float32, limit int) ([]SpeakerMatch, error)
}
