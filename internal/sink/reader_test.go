package sink_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/sink"
	"github.com/MrWong99/earshot/pkg/store"
	"github.com/MrWong99/earshot/pkg/store/mock"
)

func serveReader(t *testing.T, st store.Store) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	sink.NewReader(st).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func seedSpeakers(t *testing.T, st *mock.Store) {
	t.Helper()
	last := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	err := st.WriteSpeakers(context.Background(), "call-1", []store.SpeakerSnapshot{
		{SessionID: "call-1", SpeakerID: "spk-0", Centroid: []float32{1, 0}, UpdateCount: 3, TotalQuality: 2.4, LastSeen: last},
		{SessionID: "call-1", SpeakerID: "spk-1", Centroid: []float32{0, 1}, UpdateCount: 1, TotalQuality: 0.5, LastSeen: last},
	})
	if err != nil {
		t.Fatalf("WriteSpeakers: %v", err)
	}
}

func TestReader_Results(t *testing.T) {
	st := &mock.Store{}
	g := sink.NewGuard(sink.Config{Store: st})
	g.RecordResult(context.Background(), result(1))
	g.RecordResult(context.Background(), result(2))
	srv := serveReader(t, st)

	var got []map[string]any
	if code := getJSON(t, srv.URL+"/v1/sessions/call-1/results", &got); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[1]["sequence"] != float64(2) || got[0]["speaker_id"] != "spk-0" {
		t.Errorf("unexpected results: %v", got)
	}
	if got[0]["audio_duration_ms"] != float64(1000) {
		t.Errorf("audio_duration_ms = %v, want 1000", got[0]["audio_duration_ms"])
	}
}

func TestReader_UnknownSessionIsEmpty(t *testing.T) {
	srv := serveReader(t, &mock.Store{})

	var got []map[string]any
	if code := getJSON(t, srv.URL+"/v1/sessions/nope/results", &got); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(got) != 0 {
		t.Errorf("got %d results, want none", len(got))
	}
}

func TestReader_Speakers(t *testing.T) {
	st := &mock.Store{}
	seedSpeakers(t, st)
	srv := serveReader(t, st)

	var got []map[string]any
	if code := getJSON(t, srv.URL+"/v1/sessions/call-1/speakers", &got); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(got) != 2 || got[0]["speaker_id"] != "spk-0" || got[0]["update_count"] != float64(3) {
		t.Errorf("unexpected speakers: %v", got)
	}
	if _, ok := got[0]["centroid"]; ok {
		t.Error("centroid should not be exposed")
	}
}

func TestReader_Similar(t *testing.T) {
	st := &mock.Store{}
	seedSpeakers(t, st)
	st.NearestResult = []store.SpeakerMatch{
		{Snapshot: store.SpeakerSnapshot{SessionID: "call-1", SpeakerID: "spk-0"}, Distance: 0},
		{Snapshot: store.SpeakerSnapshot{SessionID: "call-7", SpeakerID: "spk-2"}, Distance: 0.25},
		{Snapshot: store.SpeakerSnapshot{SessionID: "call-9", SpeakerID: "spk-0"}, Distance: 0.5},
	}
	srv := serveReader(t, st)

	var got []map[string]any
	if code := getJSON(t, srv.URL+"/v1/sessions/call-1/speakers/spk-0/similar?limit=1", &got); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(got) != 1 {
		t.Fatalf("got %d matches, want 1: %v", len(got), got)
	}
	if got[0]["session_id"] != "call-7" || got[0]["similarity"] != 0.75 {
		t.Errorf("match = %v, want call-7 at 0.75", got[0])
	}

	var nearest mock.Call
	for _, c := range st.Calls() {
		if c.Method == "NearestSpeakers" {
			nearest = c
		}
	}
	if lim := nearest.Args[1].(int); lim != 2 {
		t.Errorf("NearestSpeakers limit = %d, want 2", lim)
	}
	if q := nearest.Args[0].([]float32); len(q) != 2 || q[0] != 1 {
		t.Errorf("query centroid = %v, want spk-0's", q)
	}
}

func TestReader_SimilarErrors(t *testing.T) {
	st := &mock.Store{}
	seedSpeakers(t, st)
	srv := serveReader(t, st)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown speaker", "/v1/sessions/call-1/speakers/spk-9/similar", http.StatusNotFound},
		{"bad limit", "/v1/sessions/call-1/speakers/spk-0/similar?limit=zero", http.StatusBadRequest},
		{"negative limit", "/v1/sessions/call-1/speakers/spk-0/similar?limit=-3", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := getJSON(t, srv.URL+tt.path, nil); code != tt.want {
				t.Errorf("status = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestReader_StoreFailure(t *testing.T) {
	st := &mock.Store{ReadErr: errStore}
	srv := serveReader(t, st)

	for _, path := range []string{
		"/v1/sessions/call-1/results",
		"/v1/sessions/call-1/speakers",
		"/v1/sessions/call-1/speakers/spk-0/similar",
	} {
		if code := getJSON(t, srv.URL+path, nil); code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want 503", path, code)
		}
	}
}
