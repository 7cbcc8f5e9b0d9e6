package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/earshot/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL-backed [store.Store]. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, registers pgvector types on every connection,
// and runs [Migrate].
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// WriteResult implements [store.Store]. A missing ID is generated.
func (s *Store) WriteResult(ctx context.Context, r store.ResultRecord) error {
	const q = `
		INSERT INTO analysis_results
		    (id, session_id, sequence, text, language, sentiment_label, sentiment_score,
		     speaker_id, speaker_confidence, audio_duration_ns, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.pool.Exec(ctx, q,
		id,
		r.SessionID,
		r.Sequence,
		r.Text,
		r.Language,
		r.SentimentLabel,
		r.SentimentScore,
		r.SpeakerID,
		r.SpeakerConfidence,
		r.AudioDuration.Nanoseconds(),
		ts,
	)
	if err != nil {
		return fmt.Errorf("postgres store: write result: %w", err)
	}
	return nil
}

// WriteSpeakers implements [store.Store]. The previous snapshot of sessionID
// is replaced in one transaction.
func (s *Store) WriteSpeakers(ctx context.Context, sessionID string, speakers []store.SpeakerSnapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: write speakers: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, `DELETE FROM speaker_profiles WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("postgres store: write speakers: clear: %w", err)
	}

	const q = `
		INSERT INTO speaker_profiles
		    (session_id, speaker_id, centroid, update_count, total_quality, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6)`

	batch := &pgx.Batch{}
	for _, sp := range speakers {
		batch.Queue(q,
			sessionID,
			sp.SpeakerID,
			pgvector.NewVector(sp.Centroid),
			sp.UpdateCount,
			sp.TotalQuality,
			sp.LastSeen,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres store: write speakers: insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: write speakers: commit: %w", err)
	}
	return nil
}

// Results implements [store.Store].
func (s *Store) Results(ctx context.Context, sessionID string) ([]store.ResultRecord, error) {
	const q = `
		SELECT id::text, session_id, sequence, text, language, sentiment_label, sentiment_score,
		       speaker_id, speaker_confidence, audio_duration_ns, timestamp
		FROM   analysis_results
		WHERE  session_id = $1
		ORDER  BY sequence`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: results: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.ResultRecord, error) {
		var (
			r   store.ResultRecord
			dur int64
		)
		err := row.Scan(
			&r.ID,
			&r.SessionID,
			&r.Sequence,
			&r.Text,
			&r.Language,
			&r.SentimentLabel,
			&r.SentimentScore,
			&r.SpeakerID,
			&r.SpeakerConfidence,
			&dur,
			&r.Timestamp,
		)
		r.AudioDuration = time.Duration(dur)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan results: %w", err)
	}
	if results == nil {
		results = []store.ResultRecord{}
	}
	return results, nil
}

// Speakers implements [store.Store].
func (s *Store) Speakers(ctx context.Context, sessionID string) ([]store.SpeakerSnapshot, error) {
	const q = `
		SELECT session_id, speaker_id, centroid, update_count, total_quality, last_seen
		FROM   speaker_profiles
		WHERE  session_id = $1
		ORDER  BY speaker_id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: speakers: %w", err)
	}
	speakers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.SpeakerSnapshot, error) {
		return scanSnapshot(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan speakers: %w", err)
	}
	if speakers == nil {
		speakers = []store.SpeakerSnapshot{}
	}
	return speakers, nil
}

// NearestSpeakers implements [store.Store] using cosine distance.
func (s *Store) NearestSpeakers(ctx context.Context, centroid []float32, limit int) ([]store.SpeakerMatch, error) {
	if limit <= 0 {
		limit = 10
	}
	const q = `
		SELECT session_id, speaker_id, centroid, update_count, total_quality, last_seen,
		       centroid <=> $1 AS distance
		FROM   speaker_profiles
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(centroid), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: nearest speakers: %w", err)
	}
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.SpeakerMatch, error) {
		var (
			m   store.SpeakerMatch
			vec pgvector.Vector
		)
		if err := row.Scan(
			&m.Snapshot.SessionID,
			&m.Snapshot.SpeakerID,
			&vec,
			&m.Snapshot.UpdateCount,
			&m.Snapshot.TotalQuality,
			&m.Snapshot.LastSeen,
			&m.Distance,
		); err != nil {
			return store.SpeakerMatch{}, err
		}
		m.Snapshot.Centroid = vec.Slice()
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan nearest speakers: %w", err)
	}
	if matches == nil {
		matches = []store.SpeakerMatch{}
	}
	return matches, nil
}

func scanSnapshot(row pgx.CollectableRow) (store.SpeakerSnapshot, error) {
	var (
		sp  store.SpeakerSnapshot
		vec pgvector.Vector
	)
	if err := row.Scan(
		&sp.SessionID,
		&sp.SpeakerID,
		&vec,
		&sp.UpdateCount,
		&sp.TotalQuality,
		&sp.LastSeen,
	); err != nil {
		return store.SpeakerSnapshot{}, err
	}
	sp.Centroid = vec.Slice()
	return sp, nil
}
