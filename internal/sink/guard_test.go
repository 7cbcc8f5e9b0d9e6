package sink_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/pipeline"
	"github.com/MrWong99/earshot/internal/session"
	"github.com/MrWong99/earshot/internal/sink"
	"github.com/MrWong99/earshot/internal/speaker"
	"github.com/MrWong99/earshot/pkg/provider/sentiment"
	"github.com/MrWong99/earshot/pkg/store"
	"github.com/MrWong99/earshot/pkg/store/mock"
)

var errStore = errors.New("connection refused")

func result(seq int64) pipeline.Result {
	return pipeline.Result{
		SessionID:         "call-1",
		Sequence:          seq,
		Text:              "hi",
		Sentiment:         sentiment.Score{Label: sentiment.LabelNeutral, Score: 0.6},
		SpeakerID:         "spk-0",
		SpeakerConfidence: 0.97,
		AudioDuration:     time.Second,
		Timestamp:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRecordResult_Writes(t *testing.T) {
	st := &mock.Store{}
	g := sink.NewGuard(sink.Config{Store: st})

	g.RecordResult(context.Background(), result(1))

	got, _ := st.Results(context.Background(), "call-1")
	if len(got) != 1 {
		t.Fatalf("stored %d results, want 1", len(got))
	}
	want := store.ResultRecord{
		SessionID:         "call-1",
		Sequence:          1,
		Text:              "hi",
		SentimentLabel:    "neutral",
		SentimentScore:    0.6,
		SpeakerID:         "spk-0",
		SpeakerConfidence: 0.97,
		AudioDuration:     time.Second,
		Timestamp:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if got[0] != want {
		t.Errorf("record = %+v\nwant     %+v", got[0], want)
	}
	if g.IsDegraded() {
		t.Error("degraded after a successful write")
	}
}

func TestGuard_DegradesAndRecovers(t *testing.T) {
	st := &mock.Store{WriteResultErr: errStore}
	g := sink.NewGuard(sink.Config{Store: st})

	g.RecordResult(context.Background(), result(1))
	if !g.IsDegraded() {
		t.Fatal("not degraded after a failed write")
	}
	if err := g.Check(context.Background()); !errors.Is(err, sink.ErrDegraded) {
		t.Errorf("Check = %v, want ErrDegraded", err)
	}

	st.WriteResultErr = nil
	g.RecordResult(context.Background(), result(2))
	if g.IsDegraded() {
		t.Error("still degraded after a successful write")
	}
	if err := g.Check(context.Background()); err != nil {
		t.Errorf("Check = %v after recovery", err)
	}
}

func TestGuard_CountsErrors(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	g := sink.NewGuard(sink.Config{Store: &mock.Store{WriteResultErr: errStore}, Metrics: met})
	g.RecordResult(context.Background(), result(1))
	g.RecordResult(context.Background(), result(2))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "earshot.sink.errors" {
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					total += dp.Value
				}
			}
		}
	}
	if total != 2 {
		t.Errorf("sink errors = %d, want 2", total)
	}
}

func TestSnapshotSpeakers_OnSessionClose(t *testing.T) {
	st := &mock.Store{}
	g := sink.NewGuard(sink.Config{Store: st})
	tr := session.NewTracker(session.TrackerConfig{
		Speaker: speaker.Config{MergeThreshold: 0.9},
		OnClose: g.SnapshotSpeakers,
	})

	s, err := tr.Register("call-1")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if _, err := s.Registry.Identify(context.Background(), []float64{1, 0}, 0.9, now); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Registry.Identify(context.Background(), []float64{0, 1}, 0.5, now); err != nil {
		t.Fatal(err)
	}
	if err := tr.CloseCall("call-1"); err != nil {
		t.Fatal(err)
	}

	got, _ := st.Speakers(context.Background(), "call-1")
	if len(got) != 2 {
		t.Fatalf("snapshot holds %d speakers, want 2", len(got))
	}
	if got[0].SpeakerID != "spk-0" || got[0].Centroid[0] != 1 || got[0].TotalQuality != 0.9 {
		t.Errorf("spk-0 snapshot = %+v", got[0])
	}
}

func TestSnapshotSpeakers_SkipsEmptySessions(t *testing.T) {
	st := &mock.Store{}
	g := sink.NewGuard(sink.Config{Store: st})
	tr := session.NewTracker(session.TrackerConfig{OnClose: g.SnapshotSpeakers})

	if _, err := tr.Open("quiet", ""); err != nil {
		t.Fatal(err)
	}
	_ = tr.Close("quiet")

	if n := st.CallCount("WriteSpeakers"); n != 0 {
		t.Errorf("WriteSpeakers called %d times for an empty session", n)
	}
}

func TestSnapshotSpeakers_FailureSwallowed(t *testing.T) {
	g := sink.NewGuard(sink.Config{Store: &mock.Store{WriteSpeakersErr: errStore}})
	tr := session.NewTracker(session.TrackerConfig{OnClose: g.SnapshotSpeakers})
	s, _ := tr.Open("a", "")
	_, _ = s.Registry.Identify(context.Background(), []float64{1}, 1, time.Now())
	_ = tr.Close("a")

	if !g.IsDegraded() {
		t.Error("failed snapshot did not degrade the guard")
	}
}

// stalledStore never finishes a speaker snapshot before its context ends.
type stalledStore struct {
	mock.Store
}

func (s *stalledStore) WriteSpeakers(ctx context.Context, _ string, _ []store.SpeakerSnapshot) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSnapshotSpeakers_ShutdownWithStalledStore(t *testing.T) {
	const sessions = 10
	g := sink.NewGuard(sink.Config{Store: &stalledStore{}, WriteTimeout: 5 * time.Second})
	tr := session.NewTracker(session.TrackerConfig{
		Speaker: speaker.Config{MergeThreshold: 0.9},
		OnClose: g.SnapshotSpeakers,
	})
	for i := range sessions {
		s, _ := tr.Open(fmt.Sprintf("call-%d", i), "")
		_, _ = s.Registry.Identify(context.Background(), []float64{1, 0}, 1, time.Now())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	tr.CloseAll(ctx)

	// The shutdown deadline wins over the per-write timeout.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("CloseAll took %v, want it bounded by the 200ms shutdown deadline", elapsed)
	}
	if !g.IsDegraded() {
		t.Error("timed out snapshots should degrade the guard")
	}
}

func TestToSnapshots(t *testing.T) {
	ps := []speaker.Profile{{ID: "spk-3", Centroid: []float64{0.5, -0.25}, UpdateCount: 3, TotalQuality: 2.4}}
	got := sink.ToSnapshots("s", ps)
	if len(got) != 1 {
		t.Fatal("length mismatch")
	}
	if got[0].SessionID != "s" || got[0].SpeakerID != "spk-3" || got[0].UpdateCount != 3 {
		t.Errorf("snapshot = %+v", got[0])
	}
	if got[0].Centroid[0] != 0.5 || got[0].Centroid[1] != -0.25 {
		t.Errorf("centroid = %v", got[0].Centroid)
	}
}
