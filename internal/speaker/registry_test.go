package speaker_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/speaker"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestIdentify_CallScenario(t *testing.T) {
	r := speaker.NewRegistry(speaker.Config{MergeThreshold: 0.90})
	ctx := context.Background()

	a := []float64{1, 0}
	m, err := r.Identify(ctx, a, 0.9, t0)
	if err != nil {
		t.Fatalf("Identify A: %v", err)
	}
	if m.SpeakerID != "spk-0" || !m.Created || m.UpdateCount != 1 || m.Confidence != 1.0 {
		t.Fatalf("first match = %+v, want new spk-0 with confidence 1", m)
	}

	near := []float64{0.95, math.Sqrt(1 - 0.95*0.95)}
	m, err = r.Identify(ctx, near, 0.8, t0.Add(time.Second))
	if err != nil {
		t.Fatalf("Identify near: %v", err)
	}
	if m.SpeakerID != "spk-0" || m.Created || m.UpdateCount != 2 {
		t.Fatalf("second match = %+v, want update of spk-0", m)
	}
	if !approx(m.Confidence, 0.95) {
		t.Errorf("Confidence = %f, want 0.95", m.Confidence)
	}

	p, ok := r.Profile("spk-0")
	if !ok {
		t.Fatal("spk-0 missing")
	}
	want := []float64{(1*1 + near[0]*0.8) / 1.8, (0*1 + near[1]*0.8) / 1.8}
	for i := range want {
		if !approx(p.Centroid[i], want[i]) {
			t.Errorf("centroid[%d] = %f, want %f", i, p.Centroid[i], want[i])
		}
	}
	if !approx(p.TotalQuality, 1.7) {
		t.Errorf("TotalQuality = %f, want 1.7", p.TotalQuality)
	}
	if !approx(p.AverageQuality(), 0.85) {
		t.Errorf("AverageQuality = %f, want 0.85", p.AverageQuality())
	}
	if !p.LastSeen.Equal(t0.Add(time.Second)) {
		t.Errorf("LastSeen = %v, want %v", p.LastSeen, t0.Add(time.Second))
	}

	m, err = r.Identify(ctx, []float64{0, 1}, 0.7, t0.Add(2*time.Second))
	if err != nil {
		t.Fatalf("Identify far: %v", err)
	}
	if m.SpeakerID != "spk-1" || !m.Created {
		t.Fatalf("third match = %+v, want new spk-1", m)
	}

	evicted := r.EvictIdle(t0.Add(2*time.Second+31*time.Second), 30*time.Second)
	if len(evicted) != 2 || evicted[0].ID != "spk-0" || evicted[1].ID != "spk-1" {
		t.Fatalf("evicted = %v, want spk-0 and spk-1", ids(evicted))
	}
	if r.Len() != 0 {
		t.Errorf("Len after sweep = %d, want 0", r.Len())
	}
}

func TestIdentify_ThresholdBoundary(t *testing.T) {
	a := []float64{0.6, 0.8}
	b := []float64{0.8, 0.6}
	sim := speaker.CosineSimilarity(b, a)

	t.Run("equal merges", func(t *testing.T) {
		r := speaker.NewRegistry(speaker.Config{MergeThreshold: sim})
		_, _ = r.Identify(context.Background(), a, 1, t0)
		m, err := r.Identify(context.Background(), b, 1, t0)
		if err != nil {
			t.Fatal(err)
		}
		if m.Created || m.SpeakerID != "spk-0" {
			t.Errorf("match = %+v, want merge into spk-0", m)
		}
	})

	t.Run("strictly below creates", func(t *testing.T) {
		r := speaker.NewRegistry(speaker.Config{MergeThreshold: math.Nextafter(sim, 2)})
		_, _ = r.Identify(context.Background(), a, 1, t0)
		m, err := r.Identify(context.Background(), b, 1, t0)
		if err != nil {
			t.Fatal(err)
		}
		if !m.Created || m.SpeakerID != "spk-1" {
			t.Errorf("match = %+v, want new spk-1", m)
		}
	})
}

func TestIdentify_PicksMostSimilar(t *testing.T) {
	r := speaker.NewRegistry(speaker.Config{MergeThreshold: 0.5})
	ctx := context.Background()
	_, _ = r.Identify(ctx, []float64{1, 0, 0}, 1, t0)
	// Orthogonal to spk-0, so it becomes its own profile.
	_, _ = r.Identify(ctx, []float64{0, 1, 0}, 1, t0)

	m, err := r.Identify(ctx, []float64{0.2, 1, 0}, 1, t0)
	if err != nil {
		t.Fatal(err)
	}
	if m.SpeakerID != "spk-1" {
		t.Errorf("SpeakerID = %s, want spk-1", m.SpeakerID)
	}
}

func TestIdentify_TemporalDecay(t *testing.T) {
	r := speaker.NewRegistry(speaker.Config{MergeThreshold: 0.9, DecayFactor: 0.5})
	ctx := context.Background()
	v := []float64{1, 1}
	_, _ = r.Identify(ctx, v, 1, t0)

	// Within the same instant decay has no effect.
	m, _ := r.Identify(ctx, v, 1, t0)
	if m.Created {
		t.Fatal("expected merge without idle time")
	}

	// One idle minute halves the effective similarity.
	m, _ = r.Identify(ctx, v, 1, t0.Add(time.Minute))
	if !m.Created {
		t.Fatalf("expected new profile after decay, got %+v", m)
	}
}

func TestIdentify_DecayDisabled(t *testing.T) {
	r := speaker.NewRegistry(speaker.Config{MergeThreshold: 0.9, DecayFactor: 1})
	ctx := context.Background()
	v := []float64{1, 1}
	_, _ = r.Identify(ctx, v, 1, t0)
	m, _ := r.Identify(ctx, v, 1, t0.Add(time.Hour))
	if m.Created {
		t.Fatal("decay factor 1 must not discount similarity")
	}
}

func TestIdentify_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("dimension mismatch", func(t *testing.T) {
		r := speaker.NewRegistry(speaker.Config{MergeThreshold: 0.9})
		_, _ = r.Identify(ctx, []float64{1, 0}, 1, t0)
		_, err := r.Identify(ctx, []float64{1, 0, 0}, 1, t0)
		if !errors.Is(err, speaker.ErrDimensionMismatch) {
			t.Fatalf("err = %v, want ErrDimensionMismatch", err)
		}
		if r.Len() != 1 {
			t.Errorf("Len = %d, want 1", r.Len())
		}
	})

	t.Run("dimension resets when empty", func(t *testing.T) {
		r := speaker.NewRegistry(speaker.Config{MergeThreshold: 0.9})
		_, _ = r.Identify(ctx, []float64{1, 0}, 1, t0)
		r.Evict("spk-0")
		if _, err := r.Identify(ctx, []float64{1, 0, 0}, 1, t0); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	invalid := []struct {
		name string
		emb  []float64
		q    float64
	}{
		{"empty", nil, 1},
		{"zero norm", []float64{0, 0}, 1},
		{"nan", []float64{math.NaN(), 1}, 1},
		{"zero quality", []float64{1, 0}, 0},
		{"negative quality", []float64{1, 0}, -0.5},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			r := speaker.NewRegistry(speaker.Config{MergeThreshold: 0.9})
			if _, err := r.Identify(ctx, tt.emb, tt.q, t0); !errors.Is(err, speaker.ErrInvalidEmbedding) {
				t.Fatalf("err = %v, want ErrInvalidEmbedding", err)
			}
		})
	}

	t.Run("closed", func(t *testing.T) {
		r := speaker.NewRegistry(speaker.Config{MergeThreshold: 0.9})
		_, _ = r.Identify(ctx, []float64{1, 0}, 1, t0)
		final := r.Close()
		if len(final) != 1 {
			t.Fatalf("final snapshot len = %d, want 1", len(final))
		}
		if _, err := r.Identify(ctx, []float64{1, 0}, 1, t0); !errors.Is(err, speaker.ErrClosed) {
			t.Fatalf("err = %v, want ErrClosed", err)
		}
		if r.Close() != nil {
			t.Error("second Close should return nil")
		}
		if r.EvictToCap(0) != nil {
			t.Error("evicting a closed registry should be a no-op")
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		r := speaker.NewRegistry(speaker.Config{MergeThreshold: 0.9})
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := r.Identify(cctx, []float64{1, 0}, 1, t0); !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
		if r.Len() != 0 {
			t.Errorf("cancelled Identify created a profile")
		}
	})
}

func TestIdentify_IDsNeverReused(t *testing.T) {
	r := speaker.NewRegistry(speaker.Config{MergeThreshold: 0.99})
	ctx := context.Background()
	_, _ = r.Identify(ctx, []float64{1, 0}, 1, t0)
	r.Evict("spk-0")
	m, _ := r.Identify(ctx, []float64{1, 0}, 1, t0)
	if m.SpeakerID != "spk-1" {
		t.Errorf("returning voice got %s, want spk-1", m.SpeakerID)
	}
}

func TestIdentify_DoesNotAliasInput(t *testing.T) {
	r := speaker.NewRegistry(speaker.Config{MergeThreshold: 0.9})
	emb := []float64{1, 0}
	_, _ = r.Identify(context.Background(), emb, 1, t0)
	emb[0] = 42
	p, _ := r.Profile("spk-0")
	if p.Centroid[0] != 1 {
		t.Errorf("centroid aliased caller slice: %v", p.Centroid)
	}
}

func TestEvictToCap(t *testing.T) {
	r := speaker.NewRegistry(speaker.Config{MergeThreshold: 0.999})
	ctx := context.Background()
	// Orthogonal vectors, so each call creates its own profile. spk-1 and
	// spk-2 tie on quality; spk-2 was seen earlier.
	_, _ = r.Identify(ctx, []float64{1, 0, 0, 0}, 0.9, t0)
	_, _ = r.Identify(ctx, []float64{0, 1, 0, 0}, 0.2, t0.Add(time.Second))
	_, _ = r.Identify(ctx, []float64{0, 0, 1, 0}, 0.2, t0)
	_, _ = r.Identify(ctx, []float64{0, 0, 0, 1}, 0.5, t0)

	evicted := r.EvictToCap(2)
	if got := ids(evicted); len(got) != 2 || got[0] != "spk-2" || got[1] != "spk-1" {
		t.Fatalf("evicted = %v, want [spk-2 spk-1]", got)
	}
	if got := ids(r.Profiles()); len(got) != 2 || got[0] != "spk-0" || got[1] != "spk-3" {
		t.Errorf("remaining = %v, want [spk-0 spk-3]", got)
	}
	if r.EvictToCap(2) != nil {
		t.Error("registry at cap should evict nothing")
	}
}

func TestEvictionOrder_CreationTieBreak(t *testing.T) {
	r := speaker.NewRegistry(speaker.Config{MergeThreshold: 0.999})
	ctx := context.Background()
	_, _ = r.Identify(ctx, []float64{1, 0}, 0.5, t0)
	_, _ = r.Identify(ctx, []float64{0, 1}, 0.5, t0)
	ps := r.Profiles()
	if speaker.EvictionOrder(ps[0], ps[1]) >= 0 {
		t.Error("earlier profile should be evicted first on a full tie")
	}
}

func TestRegistry_ConcurrentIdentifyAndEvict(t *testing.T) {
	r := speaker.NewRegistry(speaker.Config{MergeThreshold: 0.9})
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				emb := []float64{float64(g + 1), float64(i%3 + 1)}
				if _, err := r.Identify(ctx, emb, 0.5, t0.Add(time.Duration(i)*time.Millisecond)); err != nil {
					t.Errorf("Identify: %v", err)
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 100 {
			r.EvictToCap(3)
			r.EvictIdle(t0.Add(time.Second), 100*time.Millisecond)
		}
	}()
	wg.Wait()

	for _, p := range r.Profiles() {
		if p.UpdateCount < 1 || len(p.Centroid) != 2 {
			t.Errorf("corrupt profile %+v", p)
		}
	}
}

func ids(ps []speaker.Profile) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}
