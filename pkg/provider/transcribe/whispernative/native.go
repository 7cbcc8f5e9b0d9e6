// Package whispernative provides a transcribe.Provider backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a) and
// headers (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH.
//
// The model is loaded once in [New] and shared by every session. whisper.cpp
// contexts are not thread-safe, so each call creates a fresh context from the
// shared model; a weighted semaphore bounds how many inferences run at once.
package whispernative

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/transcribe"
)

const defaultLanguage = "en"

var _ transcribe.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the language code for transcription (e.g., "en", "de").
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithMaxConcurrent caps the number of simultaneous inferences. Defaults to
// GOMAXPROCS.
func WithMaxConcurrent(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.maxConcurrent = int64(n)
		}
	}
}

// Provider implements transcribe.Provider using whisper.cpp Go bindings.
type Provider struct {
	model         whisperlib.Model
	language      string
	maxConcurrent int64
	sem           *semaphore.Weighted
}

// New loads the whisper.cpp model at modelPath. The caller must call Close
// when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whispernative: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whispernative: load model %q: %w", modelPath, err)
	}

	p := &Provider{
		model:         model,
		language:      defaultLanguage,
		maxConcurrent: int64(runtime.GOMAXPROCS(0)),
	}
	for _, o := range opts {
		o(p)
	}
	p.sem = semaphore.NewWeighted(p.maxConcurrent)
	return p, nil
}

// Close releases the whisper model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe runs whisper.cpp inference over pcm. The model expects 16 kHz
// input; other rates are resampled first.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (transcribe.Transcript, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return transcribe.Transcript{}, fmt.Errorf("whispernative: wait for slot: %w", err)
	}
	defer p.sem.Release(1)

	if sampleRate > 0 && sampleRate != whisperlib.SampleRate {
		pcm = audio.ResampleMono16(pcm, sampleRate, whisperlib.SampleRate)
	}
	samples := audio.ToFloat32(pcm)

	wctx, err := p.model.NewContext()
	if err != nil {
		return transcribe.Transcript{}, fmt.Errorf("whispernative: create context: %w", err)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whispernative: failed to set language, using default", "language", p.language, "error", err)
	}

	// whisper.cpp cannot be interrupted mid-inference; ctx is checked before
	// and after so a cancelled caller gets an error instead of stale text.
	if err := ctx.Err(); err != nil {
		return transcribe.Transcript{}, err
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return transcribe.Transcript{}, fmt.Errorf("whispernative: process audio: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return transcribe.Transcript{}, err
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return transcribe.Transcript{}, fmt.Errorf("whispernative: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}

	return transcribe.Transcript{
		Text:     strings.Join(parts, " "),
		Language: wctx.Language(),
	}, nil
}
