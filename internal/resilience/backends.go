package resilience

import (
	"context"

	"github.com/MrWong99/earshot/pkg/provider/sentiment"
	"github.com/MrWong99/earshot/pkg/provider/transcribe"
	"github.com/MrWong99/earshot/pkg/provider/voiceprint"
)

// TranscribeFallback is a [transcribe.Provider] that fails over across
// transcription backends.
type TranscribeFallback struct {
	chain *Chain[transcribe.Provider]
}

var _ transcribe.Provider = (*TranscribeFallback)(nil)

// NewTranscribeFallback returns a fallback with primary as the preferred
// backend.
func NewTranscribeFallback(cfg BreakerConfig, name string, primary transcribe.Provider) *TranscribeFallback {
	return &TranscribeFallback{chain: NewChain[transcribe.Provider](cfg).Add(name, primary)}
}

// AddFallback registers a backend tried after the ones already added.
func (f *TranscribeFallback) AddFallback(name string, p transcribe.Provider) {
	f.chain.Add(name, p)
}

// States reports the breaker state of every backend.
func (f *TranscribeFallback) States() map[string]State { return f.chain.States() }

func (f *TranscribeFallback) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (transcribe.Transcript, error) {
	return Try(ctx, f.chain, func(ctx context.Context, p transcribe.Provider) (transcribe.Transcript, error) {
		return p.Transcribe(ctx, pcm, sampleRate)
	})
}

// SentimentFallback is a [sentiment.Provider] behind a breaker.
type SentimentFallback struct {
	chain *Chain[sentiment.Provider]
}

var _ sentiment.Provider = (*SentimentFallback)(nil)

func NewSentimentFallback(cfg BreakerConfig, name string, primary sentiment.Provider) *SentimentFallback {
	return &SentimentFallback{chain: NewChain[sentiment.Provider](cfg).Add(name, primary)}
}

func (f *SentimentFallback) AddFallback(name string, p sentiment.Provider) {
	f.chain.Add(name, p)
}

func (f *SentimentFallback) States() map[string]State { return f.chain.States() }

func (f *SentimentFallback) Classify(ctx context.Context, text string) (sentiment.Score, error) {
	return Try(ctx, f.chain, func(ctx context.Context, p sentiment.Provider) (sentiment.Score, error) {
		return p.Classify(ctx, text)
	})
}

// VoiceprintFallback is a [voiceprint.Provider] behind a breaker. Embeddings
// from different extractors are not comparable, so it never holds more than
// one backend.
type VoiceprintFallback struct {
	chain *Chain[voiceprint.Provider]
}

var _ voiceprint.Provider = (*VoiceprintFallback)(nil)

func NewVoiceprintFallback(cfg BreakerConfig, name string, p voiceprint.Provider) *VoiceprintFallback {
	return &VoiceprintFallback{chain: NewChain[voiceprint.Provider](cfg).Add(name, p)}
}

func (f *VoiceprintFallback) States() map[string]State { return f.chain.States() }

func (f *VoiceprintFallback) Extract(ctx context.Context, pcm []byte, sampleRate int) (voiceprint.Embedding, error) {
	return Try(ctx, f.chain, func(ctx context.Context, p voiceprint.Provider) (voiceprint.Embedding, error) {
		return p.Extract(ctx, pcm, sampleRate)
	})
}
