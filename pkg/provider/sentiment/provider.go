// Package sentiment defines the Provider interface for text sentiment
// classifiers.
//
// The pipeline classifies the transcript of every non-empty chunk. Providers
// are process-wide handles and must be safe for concurrent use.
package sentiment

import "context"

// Well-known labels. Providers may return other labels; these are the ones the
// bundled classifiers normalise to.
const (
	LabelPositive = "positive"
	LabelNegative = "negative"
	LabelNeutral  = "neutral"

	// LabelUnknown marks a result whose sentiment stage was absent.
	LabelUnknown = "unknown"
)

// Score is the sentiment of one piece of text.
type Score struct {
	// Label is the dominant sentiment class.
	Label string

	// Score is the classifier's confidence in Label, in [0, 1].
	Score float64
}

// Provider is the abstraction over any sentiment backend.
type Provider interface {
	// Classify returns the sentiment of text. Implementations must honour ctx
	// cancellation.
	Classify(ctx context.Context, text string) (Score, error)
}
