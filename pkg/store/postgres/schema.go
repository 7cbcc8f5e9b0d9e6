// Package postgres is the PostgreSQL implementation of [store.Store].
//
// Speaker centroids live in a pgvector column with an HNSW cosine index, so
// snapshots from closed sessions can be searched by voice. The pgvector
// extension must be available in the target database; [Migrate] installs it
// via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn, 192)
//	if err != nil { … }
//	defer st.Close()
//
//	_ = st.WriteResult(ctx, rec)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlResults = `
CREATE TABLE IF NOT EXISTS analysis_results (
    id                  UUID         PRIMARY KEY,
    session_id          TEXT         NOT NULL,
    sequence            BIGINT       NOT NULL,
    text                TEXT         NOT NULL DEFAULT '',
    language            TEXT         NOT NULL DEFAULT '',
    sentiment_label     TEXT         NOT NULL DEFAULT 'unknown',
    sentiment_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
    speaker_id          TEXT         NOT NULL DEFAULT '',
    speaker_confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
    audio_duration_ns   BIGINT       NOT NULL DEFAULT 0,
    timestamp           TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_analysis_results_session_sequence
    ON analysis_results (session_id, sequence);
`

// ddlSpeakers returns the speaker snapshot DDL with the embedding dimension
// baked into the vector column.
func ddlSpeakers(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS speaker_profiles (
    session_id     TEXT         NOT NULL,
    speaker_id     TEXT         NOT NULL,
    centroid       vector(%d)   NOT NULL,
    update_count   INTEGER      NOT NULL,
    total_quality  DOUBLE PRECISION NOT NULL,
    last_seen      TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (session_id, speaker_id)
);

CREATE INDEX IF NOT EXISTS idx_speaker_profiles_centroid
    ON speaker_profiles USING hnsw (centroid vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates the tables and extensions the store needs. It is idempotent
// and safe to call on every start.
//
// embeddingDimensions must match the voiceprint backend. Changing it after
// the first migration requires a manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("postgres migrate: embedding dimensions must be positive, got %d", embeddingDimensions)
	}
	for _, stmt := range []string{ddlResults, ddlSpeakers(embeddingDimensions)} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
