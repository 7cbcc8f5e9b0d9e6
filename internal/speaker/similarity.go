package speaker

import (
	"fmt"
	"math"
)

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// either vector has zero norm or the lengths differ.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	return cosine(a, norm(a), b)
}

// cosine computes the similarity of a (with precomputed norm na) to b.
func cosine(a []float64, na float64, b []float64) float64 {
	nb := norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot / (na * nb)
}

func norm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// validate rejects inputs that would poison a centroid and returns the
// embedding's norm.
func validate(embedding []float64, quality float64) (float64, error) {
	if len(embedding) == 0 {
		return 0, fmt.Errorf("%w: empty vector", ErrInvalidEmbedding)
	}
	for i, x := range embedding {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, fmt.Errorf("%w: non-finite component at %d", ErrInvalidEmbedding, i)
		}
	}
	n := norm(embedding)
	if n == 0 {
		return 0, fmt.Errorf("%w: zero norm", ErrInvalidEmbedding)
	}
	if !(quality > 0) || math.IsInf(quality, 0) {
		return 0, fmt.Errorf("%w: quality %v must be positive", ErrInvalidEmbedding, quality)
	}
	return n, nil
}
