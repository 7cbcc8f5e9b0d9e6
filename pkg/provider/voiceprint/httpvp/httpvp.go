// Package httpvp provides a voiceprint.Provider backed by an HTTP embedding
// service (for example a pyannote or ECAPA-TDNN model server).
//
// Request:  POST /embed {"audio": "<base64 pcm16>", "sample_rate": 16000}
// Response: {"embedding": [...], "quality": 0.87}
package httpvp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/earshot/pkg/provider/voiceprint"
)

var _ voiceprint.Provider = (*Provider)(nil)

// Provider implements voiceprint.Provider against an HTTP model server.
type Provider struct {
	baseURL    string
	dimensions int
	c          *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithDimensions makes Extract reject vectors of any other length.
func WithDimensions(n int) Option {
	return func(p *Provider) { p.dimensions = n }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.c = c }
}

// New creates a Provider for the server at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("httpvp: baseURL must not be empty")
	}
	p := &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		c:       &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type embedReq struct {
	Audio      string `json:"audio"`
	SampleRate int    `json:"sample_rate"`
}

type embedResp struct {
	Embedding []float64 `json:"embedding"`
	Quality   float64   `json:"quality"`
}

// Extract posts the audio to /embed.
func (p *Provider) Extract(ctx context.Context, pcm []byte, sampleRate int) (voiceprint.Embedding, error) {
	b, err := json.Marshal(embedReq{
		Audio:      base64.StdEncoding.EncodeToString(pcm),
		SampleRate: sampleRate,
	})
	if err != nil {
		return voiceprint.Embedding{}, fmt.Errorf("httpvp: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embed", bytes.NewReader(b))
	if err != nil {
		return voiceprint.Embedding{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.c.Do(req)
	if err != nil {
		return voiceprint.Embedding{}, fmt.Errorf("httpvp: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return voiceprint.Embedding{}, fmt.Errorf("httpvp: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var out embedResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return voiceprint.Embedding{}, fmt.Errorf("httpvp: decode: %w", err)
	}
	if len(out.Embedding) == 0 {
		return voiceprint.Embedding{}, errors.New("httpvp: empty embedding")
	}
	if p.dimensions > 0 && len(out.Embedding) != p.dimensions {
		return voiceprint.Embedding{}, fmt.Errorf("httpvp: got %d dimensions, want %d", len(out.Embedding), p.dimensions)
	}
	return voiceprint.Embedding{Vector: out.Embedding, Quality: out.Quality}, nil
}
