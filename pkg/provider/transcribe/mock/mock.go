// Package mock provides a test double for the transcribe.Provider interface.
//
// Use Provider to return pre-canned transcripts without a live model and to
// verify what audio was submitted.
//
// Example:
//
//	p := &mock.Provider{Result: transcribe.Transcript{Text: "hello"}}
//	tr, _ := p.Transcribe(ctx, pcm, 16000)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/provider/transcribe"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// PCM is a copy of the audio passed to Transcribe.
	PCM []byte
	// SampleRate is the rate passed to Transcribe.
	SampleRate int
}

// Provider is a mock implementation of transcribe.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Transcribe when Func is nil.
	Result transcribe.Transcript

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Delay makes Transcribe block for the given duration or until ctx is
	// done, whichever comes first.
	Delay time.Duration

	// Func, if set, computes the result from the input instead of Result.
	Func func(pcm []byte) (transcribe.Transcript, error)

	// Calls records every call to Transcribe in order.
	Calls []TranscribeCall
}

// Transcribe records the call and returns the configured response.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (transcribe.Transcript, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, TranscribeCall{PCM: append([]byte(nil), pcm...), SampleRate: sampleRate})
	delay, fn, result, err := p.Delay, p.Func, p.Result, p.Err
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return transcribe.Transcript{}, ctx.Err()
		}
	}
	if fn != nil {
		return fn(pcm)
	}
	return result, err
}

// CallCount returns the number of Transcribe invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

var _ transcribe.Provider = (*Provider)(nil)
