// Package voiceprint defines the Provider interface for speaker-embedding
// extractors.
//
// An extractor maps an audio window to a fixed-dimension vector summarising
// the speaker's voice. Vectors from one provider instance always share the
// same dimensionality; the speaker registry compares them with cosine
// similarity.
//
// Implementations must be safe for concurrent use.
package voiceprint

import "context"

// Embedding is the speaker representation of one audio window.
type Embedding struct {
	// Vector is the speaker embedding.
	Vector []float64

	// Quality is the extractor's estimate of how reliable Vector is, in (0, 1].
	// Zero means the extractor does not report quality; callers substitute
	// their own estimate.
	Quality float64
}

// Provider is the abstraction over any speaker-embedding backend.
type Provider interface {
	// Extract computes the speaker embedding of pcm (16-bit little-endian mono
	// at sampleRate Hz).
	Extract(ctx context.Context, pcm []byte, sampleRate int) (Embedding, error)
}
