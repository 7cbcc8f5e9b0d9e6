// Package transcribe defines the Provider interface for speech-to-text
// backends used by the chunk pipeline.
//
// Unlike a streaming recogniser, a transcribe provider is handed one complete
// audio window per call and returns the text recognised in it. The pipeline
// invokes it once per chunk, so implementations are expected to be stateless
// between calls.
//
// Implementations must be safe for concurrent use: a single provider instance
// is constructed at startup and shared by every session.
package transcribe

import "context"

// Transcript is the recognised text for one audio window.
type Transcript struct {
	// Text is the transcribed speech content. Empty when the window held no
	// recognisable speech.
	Text string

	// Language is the detected or configured language, if the backend reports it.
	Language string

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// backend does not report one.
	Confidence float64
}

// Provider is the abstraction over any speech-to-text backend.
type Provider interface {
	// Transcribe recognises the speech contained in pcm, which is 16-bit signed
	// little-endian mono audio at sampleRate Hz.
	//
	// Implementations must honour ctx cancellation; the pipeline applies a
	// per-stage deadline through it.
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Transcript, error)
}
