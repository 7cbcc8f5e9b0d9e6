// Package sink forwards analysis output to an optional [store.Store] without
// letting storage trouble reach a session.
package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/pipeline"
	"github.com/MrWong99/earshot/internal/session"
	"github.com/MrWong99/earshot/internal/speaker"
	"github.com/MrWong99/earshot/pkg/store"
)

// ErrDegraded is reported by [Guard.Check] while the store is failing.
var ErrDegraded = errors.New("sink: store degraded")

const defaultWriteTimeout = 2 * time.Second

// Config configures a [Guard].
type Config struct {
	// Store receives the writes. Required.
	Store store.Store

	// WriteTimeout bounds each store call. Defaults to 2s.
	WriteTimeout time.Duration

	// Metrics receives the sink error counter. Optional.
	Metrics *observe.Metrics
}

// Guard wraps a [store.Store] and makes every write non-fatal. Failures are
// logged and swallowed and mark the guard degraded; the next successful
// write clears the flag.
//
// Guard satisfies the gateway's result sink, and [Guard.SnapshotSpeakers] is
// a [session.CloseFunc].
//
// All methods are safe for concurrent use.
type Guard struct {
	store   store.Store
	timeout time.Duration
	metrics *observe.Metrics

	degraded atomic.Bool
}

// NewGuard creates a Guard.
func NewGuard(cfg Config) *Guard {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Guard{
		store:   cfg.Store,
		timeout: cfg.WriteTimeout,
		metrics: cfg.Metrics,
	}
}

// RecordResult appends r to the store.
func (g *Guard) RecordResult(ctx context.Context, r pipeline.Result) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err := g.store.WriteResult(ctx, ToRecord(r))
	g.observe(ctx, err, "WriteResult",
		"session_id", r.SessionID,
		"sequence", r.Sequence,
	)
}

// SnapshotSpeakers stores the final profiles of a closed session. Sessions
// that end without speakers are skipped.
func (g *Guard) SnapshotSpeakers(ctx context.Context, s *session.Session, final []speaker.Profile) {
	if len(final) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err := g.store.WriteSpeakers(ctx, s.ID, ToSnapshots(s.ID, final))
	g.observe(ctx, err, "WriteSpeakers",
		"session_id", s.ID,
		"speakers", len(final),
	)
}

func (g *Guard) observe(ctx context.Context, err error, op string, args ...any) {
	if err == nil {
		g.degraded.Store(false)
		return
	}
	g.degraded.Store(true)
	if g.metrics != nil {
		g.metrics.SinkErrors.Add(ctx, 1)
	}
	slog.Warn("sink: "+op+" failed, swallowing error", append(args, "error", err)...)
}

// IsDegraded reports whether the most recent store write failed.
func (g *Guard) IsDegraded() bool {
	return g.degraded.Load()
}

// Check returns [ErrDegraded] while the guard is degraded. It fits a
// readiness checker.
func (g *Guard) Check(context.Context) error {
	if g.IsDegraded() {
		return ErrDegraded
	}
	return nil
}

// ToRecord converts a pipeline result into its stored form.
func ToRecord(r pipeline.Result) store.ResultRecord {
	return store.ResultRecord{
		SessionID:         r.SessionID,
		Sequence:          r.Sequence,
		Text:              r.Text,
		Language:          r.Language,
		SentimentLabel:    r.Sentiment.Label,
		SentimentScore:    r.Sentiment.Score,
		SpeakerID:         r.SpeakerID,
		SpeakerConfidence: r.SpeakerConfidence,
		AudioDuration:     r.AudioDuration,
		Timestamp:         r.Timestamp,
	}
}

// ToSnapshots converts registry profiles into stored snapshots. Centroids
// are narrowed to float32 for the vector column.
func ToSnapshots(sessionID string, ps []speaker.Profile) []store.SpeakerSnapshot {
	out := make([]store.SpeakerSnapshot, len(ps))
	for i, p := range ps {
		c := make([]float32, len(p.Centroid))
		for j, v := range p.Centroid {
			c[j] = float32(v)
		}
		out[i] = store.SpeakerSnapshot{
			SessionID:    sessionID,
			SpeakerID:    p.ID,
			Centroid:     c,
			UpdateCount:  p.UpdateCount,
			TotalQuality: p.TotalQuality,
			LastSeen:     p.LastSeen,
		}
	}
	return out
}
