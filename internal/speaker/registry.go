// Package speaker maintains the per-session model of who is speaking.
//
// A [Registry] holds one [Profile] per distinct voice heard in a session. Each
// profile's centroid is the quality-weighted running average of every
// embedding assigned to it. [Registry.Identify] is the only operation that
// creates or updates profiles; the Evict* methods are the only operations that
// delete them. Both take the same mutex, so a sweep never observes a
// half-applied update.
package speaker

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"sync"
	"time"
)

var (
	// ErrClosed is returned by Identify after the owning session was torn down.
	ErrClosed = errors.New("speaker: registry closed")

	// ErrDimensionMismatch is returned when an embedding's length differs from
	// the centroids already in the registry.
	ErrDimensionMismatch = errors.New("speaker: embedding dimension mismatch")

	// ErrInvalidEmbedding is returned for empty, zero-norm, or non-finite
	// embeddings and for non-positive quality.
	ErrInvalidEmbedding = errors.New("speaker: invalid embedding")
)

// idPrefix prefixes every speaker id. Ids are never reused within a registry,
// so a voice returning after eviction gets a fresh id.
const idPrefix = "spk-"

// profileOverheadBytes approximates the fixed per-profile allocation (struct,
// map entry, id string) on top of the centroid backing array.
const profileOverheadBytes = 160

// Profile is one speaker's acoustic identity within a session.
type Profile struct {
	// ID is opaque and session-scoped (e.g. "spk-0").
	ID string

	// Centroid is the quality-weighted running average embedding.
	Centroid []float64

	// UpdateCount is the number of embeddings merged into this profile (≥1).
	UpdateCount int

	// TotalQuality is the sum of the quality of every merged embedding.
	TotalQuality float64

	// LastSeen is when an embedding was last assigned to this profile.
	LastSeen time.Time

	seq int
}

// AverageQuality is TotalQuality / UpdateCount.
func (p Profile) AverageQuality() float64 {
	if p.UpdateCount == 0 {
		return 0
	}
	return p.TotalQuality / float64(p.UpdateCount)
}

// SizeBytes estimates the heap held by the profile.
func (p Profile) SizeBytes() int {
	return len(p.Centroid)*8 + profileOverheadBytes
}

// Config tunes identification.
type Config struct {
	// MergeThreshold is the minimum (decayed) cosine similarity at which an
	// embedding is merged into an existing profile. Equality merges.
	MergeThreshold float64

	// DecayFactor discounts an idle profile's similarity by
	// DecayFactor^(idle minutes) during selection and the merge decision.
	// Values outside (0, 1) disable decay.
	DecayFactor float64
}

// Match is the outcome of [Registry.Identify].
type Match struct {
	// SpeakerID is the id of the profile the embedding was assigned to.
	SpeakerID string

	// Confidence is the raw cosine similarity to the matched centroid, or 1.0
	// when a new profile was created.
	Confidence float64

	// Created reports whether a new profile was created.
	Created bool

	// UpdateCount is the profile's update count after the operation.
	UpdateCount int
}

// Registry is the speaker map of one session. All methods are safe for
// concurrent use.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	profiles map[string]*Profile
	dims     int
	nextSeq  int
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		profiles: make(map[string]*Profile),
	}
}

// Identify assigns embedding to the closest profile when its similarity
// reaches the merge threshold, or creates a new profile otherwise.
//
// ctx is checked after the lock is taken: a cancelled caller leaves the
// registry untouched.
func (r *Registry) Identify(ctx context.Context, embedding []float64, quality float64, now time.Time) (Match, error) {
	norm, err := validate(embedding, quality)
	if err != nil {
		return Match{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Match{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Match{}, err
	}
	if r.dims != 0 && len(embedding) != r.dims {
		return Match{}, fmt.Errorf("%w: got %d, registry holds %d", ErrDimensionMismatch, len(embedding), r.dims)
	}

	var (
		best       *Profile
		bestScore  = math.Inf(-1)
		bestRawSim float64
	)
	for _, p := range r.profiles {
		raw := cosine(embedding, norm, p.Centroid)
		score := raw * r.decayWeight(p, now)
		if score > bestScore || (score == bestScore && best != nil && p.seq < best.seq) {
			best, bestScore, bestRawSim = p, score, raw
		}
	}

	if best != nil && bestScore >= r.cfg.MergeThreshold {
		merge(best, embedding, quality, now)
		return Match{
			SpeakerID:   best.ID,
			Confidence:  bestRawSim,
			UpdateCount: best.UpdateCount,
		}, nil
	}

	p := &Profile{
		ID:           idPrefix + strconv.Itoa(r.nextSeq),
		Centroid:     slices.Clone(embedding),
		UpdateCount:  1,
		TotalQuality: quality,
		LastSeen:     now,
		seq:          r.nextSeq,
	}
	r.nextSeq++
	r.profiles[p.ID] = p
	r.dims = len(embedding)

	return Match{SpeakerID: p.ID, Confidence: 1.0, Created: true, UpdateCount: 1}, nil
}

// merge applies new = (old*k + e*q) / (k+q) and bumps the bookkeeping fields.
func merge(p *Profile, e []float64, q float64, now time.Time) {
	k := float64(p.UpdateCount)
	denom := k + q
	for i := range p.Centroid {
		p.Centroid[i] = (p.Centroid[i]*k + e[i]*q) / denom
	}
	p.UpdateCount++
	p.TotalQuality += q
	p.LastSeen = now
}

func (r *Registry) decayWeight(p *Profile, now time.Time) float64 {
	f := r.cfg.DecayFactor
	if f <= 0 || f >= 1 {
		return 1
	}
	idle := now.Sub(p.LastSeen)
	if idle <= 0 {
		return 1
	}
	return math.Pow(f, idle.Minutes())
}

// Len returns the number of live profiles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.profiles)
}

// Profiles returns a deep copy of every profile ordered by creation.
func (r *Registry) Profiles() []Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Profile returns a copy of the profile with the given id.
func (r *Registry) Profile(id string) (Profile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, false
	}
	return clone(p), true
}

// EvictIdle removes every profile idle for longer than maxIdle and returns
// the evicted profiles.
func (r *Registry) EvictIdle(now time.Time, maxIdle time.Duration) []Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	var evicted []Profile
	for id, p := range r.profiles {
		if now.Sub(p.LastSeen) > maxIdle {
			evicted = append(evicted, clone(p))
			delete(r.profiles, id)
		}
	}
	r.resetDimsLocked()
	sortBySeq(evicted)
	return evicted
}

// EvictToCap removes profiles in ascending average quality (ties: oldest
// LastSeen, then creation order) until at most maxProfiles remain.
func (r *Registry) EvictToCap(maxProfiles int) []Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || maxProfiles < 0 || len(r.profiles) <= maxProfiles {
		return nil
	}

	ordered := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		ordered = append(ordered, p)
	}
	slices.SortFunc(ordered, func(a, b *Profile) int { return EvictionOrder(*a, *b) })

	excess := len(r.profiles) - maxProfiles
	evicted := make([]Profile, 0, excess)
	for _, p := range ordered[:excess] {
		evicted = append(evicted, clone(p))
		delete(r.profiles, p.ID)
	}
	r.resetDimsLocked()
	return evicted
}

// Evict removes the profiles with the given ids. Unknown ids are ignored.
func (r *Registry) Evict(ids ...string) []Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	var evicted []Profile
	for _, id := range ids {
		if p, ok := r.profiles[id]; ok {
			evicted = append(evicted, clone(p))
			delete(r.profiles, id)
		}
	}
	r.resetDimsLocked()
	return evicted
}

// Close marks the registry closed, drops every profile, and returns the final
// snapshot. Later calls return nil.
func (r *Registry) Close() []Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	final := r.snapshotLocked()
	r.closed = true
	r.profiles = nil
	return final
}

// Closed reports whether Close has been called.
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// EvictionOrder orders profiles from most to least evictable: lowest average
// quality first, then oldest LastSeen, then creation order.
func EvictionOrder(a, b Profile) int {
	if c := cmp.Compare(a.AverageQuality(), b.AverageQuality()); c != 0 {
		return c
	}
	if c := a.LastSeen.Compare(b.LastSeen); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

func (r *Registry) snapshotLocked() []Profile {
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, clone(p))
	}
	sortBySeq(out)
	return out
}

// resetDimsLocked forgets the embedding dimension once the registry is empty.
func (r *Registry) resetDimsLocked() {
	if len(r.profiles) == 0 {
		r.dims = 0
	}
}

func clone(p *Profile) Profile {
	c := *p
	c.Centroid = slices.Clone(p.Centroid)
	return c
}

func sortBySeq(ps []Profile) {
	slices.SortFunc(ps, func(a, b Profile) int { return cmp.Compare(a.seq, b.seq) })
}
