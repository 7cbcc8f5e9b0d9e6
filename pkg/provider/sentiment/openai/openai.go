// Package openai provides a sentiment.Provider that asks an OpenAI chat model
// to classify text into positive, negative, or neutral.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/earshot/pkg/provider/sentiment"
)

// DefaultModel is the default chat model used for classification.
const DefaultModel = "gpt-4o-mini"

const systemPrompt = `You are a sentiment classifier for short spoken utterances.
Reply with a single JSON object and nothing else: {"label": "positive"|"negative"|"neutral", "score": <confidence between 0 and 1>}`

var _ sentiment.Provider = (*Provider)(nil)

// Provider implements sentiment.Provider using the OpenAI chat API.
type Provider struct {
	client oai.Client
	model  string
}

type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a Provider. If model is empty, DefaultModel is used.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai sentiment: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Classify implements sentiment.Provider.
func (p *Provider) Classify(ctx context.Context, text string) (sentiment.Score, error) {
	resp, err := p.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt),
			oai.UserMessage(text),
		},
		Temperature: param.NewOpt(0.0),
	})
	if err != nil {
		return sentiment.Score{}, fmt.Errorf("openai sentiment: %w", err)
	}
	if len(resp.Choices) == 0 {
		return sentiment.Score{}, fmt.Errorf("openai sentiment: empty response")
	}
	return parseAnswer(resp.Choices[0].Message.Content)
}

// parseAnswer extracts the JSON verdict from the model reply. Markdown code
// fences around the object are tolerated.
func parseAnswer(content string) (sentiment.Score, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return sentiment.Score{}, fmt.Errorf("openai sentiment: no JSON object in reply %q", content)
	}

	var verdict struct {
		Label string  `json:"label"`
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &verdict); err != nil {
		return sentiment.Score{}, fmt.Errorf("openai sentiment: decode reply: %w", err)
	}

	label := strings.ToLower(strings.TrimSpace(verdict.Label))
	switch label {
	case sentiment.LabelPositive, sentiment.LabelNegative, sentiment.LabelNeutral:
	default:
		return sentiment.Score{}, fmt.Errorf("openai sentiment: unexpected label %q", verdict.Label)
	}
	score := min(max(verdict.Score, 0), 1)
	return sentiment.Score{Label: label, Score: score}, nil
}
