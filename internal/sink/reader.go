package sink

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/earshot/pkg/store"
)

const (
	defaultSimilarLimit = 5
	maxSimilarLimit     = 50
)

// Reader serves read-only views of persisted sessions:
//
//	GET /v1/sessions/{sessionID}/results
//	GET /v1/sessions/{sessionID}/speakers
//	GET /v1/sessions/{sessionID}/speakers/{speakerID}/similar?limit=N
//
// The last one ranks speakers of other closed sessions by voice similarity.
type Reader struct {
	store store.Store
}

// NewReader creates a Reader over s.
func NewReader(s store.Store) *Reader {
	return &Reader{store: s}
}

// Register adds the read routes to mux.
func (rd *Reader) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/sessions/{sessionID}/results", rd.handleResults)
	mux.HandleFunc("GET /v1/sessions/{sessionID}/speakers", rd.handleSpeakers)
	mux.HandleFunc("GET /v1/sessions/{sessionID}/speakers/{speakerID}/similar", rd.handleSimilar)
}

type resultView struct {
	Sequence          int64     `json:"sequence"`
	Text              string    `json:"text"`
	Language          string    `json:"language,omitempty"`
	SentimentLabel    string    `json:"sentiment_label"`
	SentimentScore    float64   `json:"sentiment_score"`
	SpeakerID         string    `json:"speaker_id"`
	SpeakerConfidence float64   `json:"speaker_confidence"`
	AudioDurationMs   int64     `json:"audio_duration_ms"`
	Timestamp         time.Time `json:"timestamp"`
}

type speakerView struct {
	SessionID    string    `json:"session_id"`
	SpeakerID    string    `json:"speaker_id"`
	UpdateCount  int       `json:"update_count"`
	TotalQuality float64   `json:"total_quality"`
	LastSeen     time.Time `json:"last_seen"`
}

type similarView struct {
	speakerView
	Similarity float64 `json:"similarity"`
}

func newSpeakerView(s store.SpeakerSnapshot) speakerView {
	return speakerView{
		SessionID:    s.SessionID,
		SpeakerID:    s.SpeakerID,
		UpdateCount:  s.UpdateCount,
		TotalQuality: s.TotalQuality,
		LastSeen:     s.LastSeen,
	}
}

func (rd *Reader) handleResults(w http.ResponseWriter, r *http.Request) {
	recs, err := rd.store.Results(r.Context(), r.PathValue("sessionID"))
	if err != nil {
		storeError(w, "results", err)
		return
	}
	out := make([]resultView, len(recs))
	for i, rec := range recs {
		out[i] = resultView{
			Sequence:          rec.Sequence,
			Text:              rec.Text,
			Language:          rec.Language,
			SentimentLabel:    rec.SentimentLabel,
			SentimentScore:    rec.SentimentScore,
			SpeakerID:         rec.SpeakerID,
			SpeakerConfidence: rec.SpeakerConfidence,
			AudioDurationMs:   rec.AudioDuration.Milliseconds(),
			Timestamp:         rec.Timestamp,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (rd *Reader) handleSpeakers(w http.ResponseWriter, r *http.Request) {
	snaps, err := rd.store.Speakers(r.Context(), r.PathValue("sessionID"))
	if err != nil {
		storeError(w, "speakers", err)
		return
	}
	out := make([]speakerView, len(snaps))
	for i, s := range snaps {
		out[i] = newSpeakerView(s)
	}
	writeJSON(w, http.StatusOK, out)
}

func (rd *Reader) handleSimilar(w http.ResponseWriter, r *http.Request) {
	sessionID, speakerID := r.PathValue("sessionID"), r.PathValue("speakerID")

	limit := defaultSimilarLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxSimilarLimit)
	}

	snaps, err := rd.store.Speakers(r.Context(), sessionID)
	if err != nil {
		storeError(w, "speakers", err)
		return
	}
	var query *store.SpeakerSnapshot
	for i := range snaps {
		if snaps[i].SpeakerID == speakerID {
			query = &snaps[i]
			break
		}
	}
	if query == nil {
		http.Error(w, "speaker not found", http.StatusNotFound)
		return
	}

	// One extra row for the query speaker itself.
	matches, err := rd.store.NearestSpeakers(r.Context(), query.Centroid, limit+1)
	if err != nil {
		storeError(w, "nearest speakers", err)
		return
	}
	out := make([]similarView, 0, limit)
	for _, m := range matches {
		if m.Snapshot.SessionID == sessionID && m.Snapshot.SpeakerID == speakerID {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, similarView{
			speakerView: newSpeakerView(m.Snapshot),
			Similarity:  1 - m.Distance,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func storeError(w http.ResponseWriter, op string, err error) {
	slog.Warn("sink: store read failed", "op", op, "err", err)
	http.Error(w, "store unavailable", http.StatusServiceUnavailable)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
