// Package pipeline turns one audio chunk into one analysis result.
//
// For every chunk the pipeline validates the PCM, then runs two branches in
// parallel: transcription followed by sentiment over the transcript, and
// speaker embedding followed by identification against the session's speaker
// registry. Each backend call runs under its own stage deadline. A failed
// stage degrades the result instead of failing the chunk:
//
//   - transcription failed: the result is suppressed (the registry is still
//     updated, so the speaker model follows the audio order)
//   - sentiment failed: label "unknown", score 0
//   - embedding or identification failed: empty speaker id
//
// Only undecodable audio is reported as an error ([ErrDecode]).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/session"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/sentiment"
	"github.com/MrWong99/earshot/pkg/provider/transcribe"
	"github.com/MrWong99/earshot/pkg/provider/voiceprint"
)

// ErrDecode is returned by [Pipeline.Process] when the chunk is not usable
// PCM16 audio.
var ErrDecode = errors.New("pipeline: undecodable audio chunk")

// defaultStageTimeout bounds a single backend call when none is configured.
const defaultStageTimeout = 10 * time.Second

// Suppression reasons reported in [Outcome.SuppressReason] and metrics.
const (
	SuppressTranscribeFailed = "transcribe_failed"
	SuppressEmpty            = "empty"
)

// Chunk is one unit of received audio.
type Chunk struct {
	// SessionID identifies the owning session.
	SessionID string

	// Sequence is the chunk's position in its session.
	Sequence int64

	// PCM is 16-bit signed little-endian mono audio.
	PCM []byte

	// SampleRate of PCM in Hz. Zero means [audio.DefaultSampleRate].
	SampleRate int

	// ReceivedAt is when the transport received the chunk.
	ReceivedAt time.Time
}

// Result is the analysis of one chunk.
type Result struct {
	SessionID string
	Sequence  int64

	// Text is the transcript. Empty when transcription failed or heard nothing.
	Text     string
	Language string

	// Sentiment is LabelUnknown with score 0 when the stage was absent.
	Sentiment sentiment.Score

	// SpeakerID is empty when no embedding could be assigned.
	SpeakerID         string
	SpeakerConfidence float64
	NewSpeaker        bool

	// AudioDuration is the playback length of the chunk.
	AudioDuration time.Duration

	// Timestamp is when analysis finished.
	Timestamp time.Time
}

// Outcome tells the caller what to do with a [Result].
type Outcome struct {
	// Emit is false when the result must not be sent to the client.
	Emit bool

	// SuppressReason explains a suppressed result.
	SuppressReason string
}

// Backends are the process-wide model handles shared by every session. They
// are constructed once at startup.
type Backends struct {
	// Transcriber is required.
	Transcriber transcribe.Provider

	// Sentiment is optional. When nil every result is labelled unknown.
	Sentiment sentiment.Provider

	// Voiceprint is optional. When nil speaker identification is skipped.
	Voiceprint voiceprint.Provider
}

// Config tunes a [Pipeline].
type Config struct {
	// StageTimeout bounds each backend call. Defaults to 10s.
	StageTimeout time.Duration

	// SuppressEmpty withholds results whose transcript is empty.
	SuppressEmpty bool

	// Metrics is optional.
	Metrics *observe.Metrics

	// Now overrides the clock used for registry updates and result
	// timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Pipeline processes chunks. It holds no per-session state and is safe for
// concurrent use across sessions; chunks of one session must be processed
// sequentially by the caller.
type Pipeline struct {
	backends Backends
	cfg      Config
}

// New validates the backends and creates a Pipeline.
func New(b Backends, cfg Config) (*Pipeline, error) {
	if b.Transcriber == nil {
		return nil, errors.New("pipeline: transcriber backend is required")
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = defaultStageTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{backends: b, cfg: cfg}, nil
}

// Process analyses c for sess. The returned error is non-nil only for
// undecodable audio ([ErrDecode]) or when ctx ended before analysis finished.
func (p *Pipeline) Process(ctx context.Context, sess *session.Session, c Chunk) (Result, Outcome, error) {
	start := time.Now()
	if err := audio.Validate(c.PCM); err != nil {
		return Result{}, Outcome{}, fmt.Errorf("%w: sequence %d: %w", ErrDecode, c.Sequence, err)
	}
	sampleRate := c.SampleRate
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}

	ctx, span := observe.StartChunkSpan(ctx, sess.ID, c.Sequence)
	defer span.End()

	res := Result{
		SessionID:     sess.ID,
		Sequence:      c.Sequence,
		Sentiment:     sentiment.Score{Label: sentiment.LabelUnknown},
		AudioDuration: time.Duration(audio.DurationMs(c.PCM, sampleRate)) * time.Millisecond,
	}

	var (
		g        errgroup.Group
		tr       transcribe.Transcript
		trErr    error
		sentOK   bool
		sentResp sentiment.Score
	)

	g.Go(func() error {
		tr, trErr = runStage(ctx, p, observe.StageTranscribe, func(ctx context.Context) (transcribe.Transcript, error) {
			return p.backends.Transcriber.Transcribe(ctx, c.PCM, sampleRate)
		})
		if trErr != nil || tr.Text == "" || p.backends.Sentiment == nil {
			return nil
		}
		sc, err := runStage(ctx, p, observe.StageSentiment, func(ctx context.Context) (sentiment.Score, error) {
			return p.backends.Sentiment.Classify(ctx, tr.Text)
		})
		if err == nil {
			sentResp, sentOK = sc, true
		}
		return nil
	})

	g.Go(func() error {
		if p.backends.Voiceprint == nil {
			return nil
		}
		emb, err := runStage(ctx, p, observe.StageEmbed, func(ctx context.Context) (voiceprint.Embedding, error) {
			return p.backends.Voiceprint.Extract(ctx, c.PCM, sampleRate)
		})
		if err != nil {
			return nil
		}
		p.identify(ctx, sess, c, emb, &res)
		return nil
	})

	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return Result{}, Outcome{}, err
	}

	res.Text = tr.Text
	res.Language = tr.Language
	if sentOK {
		res.Sentiment = sentResp
	}
	res.Timestamp = p.cfg.Now()

	out := Outcome{Emit: true}
	switch {
	case trErr != nil:
		out = Outcome{SuppressReason: SuppressTranscribeFailed}
	case res.Text == "" && p.cfg.SuppressEmpty:
		out = Outcome{SuppressReason: SuppressEmpty}
	}

	if m := p.cfg.Metrics; m != nil {
		m.ChunkDuration.Record(ctx, time.Since(start).Seconds())
		if out.Emit {
			m.ResultsEmitted.Add(ctx, 1)
		} else {
			m.RecordSuppressed(ctx, out.SuppressReason)
		}
	}
	return res, out, nil
}

// identify assigns the embedding to a speaker in the session registry and
// fills the speaker fields of res.
func (p *Pipeline) identify(ctx context.Context, sess *session.Session, c Chunk, emb voiceprint.Embedding, res *Result) {
	quality := emb.Quality
	if quality <= 0 {
		quality = audio.Quality(c.PCM)
	}

	start := time.Now()
	match, err := sess.Registry.Identify(ctx, emb.Vector, quality, p.cfg.Now())
	if m := p.cfg.Metrics; m != nil {
		m.RecordStage(ctx, observe.StageIdentify, time.Since(start).Seconds(), err)
	}
	if err != nil {
		if ctx.Err() == nil {
			observe.Logger(ctx).Warn("speaker identification failed",
				"sequence", c.Sequence,
				"error", err,
			)
		}
		return
	}

	res.SpeakerID = match.SpeakerID
	res.SpeakerConfidence = match.Confidence
	res.NewSpeaker = match.Created
	if match.Created {
		observe.Logger(ctx).Debug("new speaker",
			"speaker_id", match.SpeakerID,
			"quality", quality,
		)
		if m := p.cfg.Metrics; m != nil {
			m.SpeakersCreated.Add(ctx, 1)
			m.SpeakerProfiles.Add(ctx, 1)
		}
	}
}

// runStage calls fn under the stage deadline inside its own span and records
// the outcome.
func runStage[T any](ctx context.Context, p *Pipeline, stage string, fn func(context.Context) (T, error)) (T, error) {
	sctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()
	sctx, span := observe.StartStageSpan(sctx, stage)

	start := time.Now()
	v, err := fn(sctx)
	observe.EndSpan(span, err)
	if m := p.cfg.Metrics; m != nil {
		m.RecordStage(ctx, stage, time.Since(start).Seconds(), err)
	}
	if err != nil && ctx.Err() == nil {
		observe.Logger(ctx).Warn("pipeline stage failed",
			"stage", stage,
			"error", err,
		)
	}
	return v, err
}
