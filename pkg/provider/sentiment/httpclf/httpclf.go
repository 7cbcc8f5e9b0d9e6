// Package httpclf provides a sentiment.Provider that calls a JSON emotion
// detection service over HTTP (POST /detect).
//
// Request:  {"text": "..."}
// Response: {"emotions": [{"label": "...", "score": 0.9}], "dominant_emotion": "..."}
package httpclf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/earshot/pkg/provider/sentiment"
)

var _ sentiment.Provider = (*Provider)(nil)

// Provider implements sentiment.Provider against an HTTP classifier.
type Provider struct {
	baseURL string
	c       *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.c = c }
}

// New creates a Provider for the service at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("httpclf: baseURL must not be empty")
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

type detectReq struct {
	Text string `json:"text"`
}

type emoScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

type detectResp struct {
	Emotions        []emoScore `json:"emotions"`
	DominantEmotion string     `json:"dominant_emotion"`
}

// Classify posts text to /detect and returns the dominant label with its score.
func (p *Provider) Classify(ctx context.Context, text string) (sentiment.Score, error) {
	b, err := json.Marshal(detectReq{Text: text})
	if err != nil {
		return sentiment.Score{}, fmt.Errorf("httpclf: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/detect", bytes.NewReader(b))
	if err != nil {
		return sentiment.Score{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.c.Do(req)
	if err != nil {
		return sentiment.Score{}, fmt.Errorf("httpclf: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return sentiment.Score{}, fmt.Errorf("httpclf: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var out detectResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return sentiment.Score{}, fmt.Errorf("httpclf: decode: %w", err)
	}
	return pick(out)
}

// pick resolves the dominant emotion's score. When the service omits
// dominant_emotion the highest-scoring entry wins.
func pick(out detectResp) (sentiment.Score, error) {
	if out.DominantEmotion != "" {
		for _, e := range out.Emotions {
			if strings.EqualFold(e.Label, out.DominantEmotion) {
				return sentiment.Score{Label: strings.ToLower(e.Label), Score: e.Score}, nil
			}
		}
	}
	if len(out.Emotions) == 0 {
		if out.DominantEmotion == "" {
			return sentiment.Score{}, errors.New("httpclf: empty response")
		}
		return sentiment.Score{Label: strings.ToLower(out.DominantEmotion)}, nil
	}

	best := out.Emotions[0]
	for _, e := range out.Emotions[1:] {
		if e.Score > best.Score {
			best = e
		}
	}
	return sentiment.Score{Label: strings.ToLower(best.Label), Score: best.Score}, nil
}
