// Package gateway is the websocket ingress of earshot.
//
// Two stream shapes are served:
//
//   - GET /v1/stream?session=<token>: the direct path. Every binary frame is
//     one chunk of raw PCM16LE mono audio. The session is created when the
//     connection is accepted.
//   - GET /v1/telephony/{callID}: the telephony path. Every text frame is a
//     JSON event envelope. The call must already be live in the tracker,
//     registered through POST /v1/calls by the call-control side.
//
// Each connection gets a reader goroutine and a single processor goroutine
// that drains a bounded queue in arrival order, so results are written back
// in the order their chunks arrived.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/pipeline"
	"github.com/MrWong99/earshot/internal/session"
	"github.com/MrWong99/earshot/pkg/audio"
)

// Close codes sent to clients.
const (
	// CloseCallNotFound rejects a telephony stream whose call id is not live.
	CloseCallNotFound websocket.StatusCode = 4404

	// CloseSessionConflict rejects a second connection for a live session.
	CloseSessionConflict websocket.StatusCode = 4409

	// CloseFatal ends a session after an unrecoverable failure. The close
	// reason carries the failure description.
	CloseFatal websocket.StatusCode = 4500
)

// Close reasons.
const (
	reasonCallNotFound    = "Call not found"
	reasonSessionConflict = "Session already connected"
	reasonSessionClosed   = "session closed"
)

// Telephony payload encodings.
const (
	EncodingPCM16 = "pcm16"
	EncodingMulaw = "mulaw"
)

// Ingress paths, used as the "path" metric attribute.
const (
	pathDirect    = "direct"
	pathTelephony = "telephony"
)

// Drop reasons for the chunks-dropped counter.
const (
	dropMalformed = "malformed"
	dropPayload   = "payload"
	dropDuplicate = "duplicate"
	dropDecode    = "decode"
)

// Processor analyses one chunk. *pipeline.Pipeline implements it.
type Processor interface {
	Process(ctx context.Context, sess *session.Session, c pipeline.Chunk) (pipeline.Result, pipeline.Outcome, error)
}

// ResultSink receives every emitted result. Implementations must not block
// for long and must swallow their own failures.
type ResultSink interface {
	RecordResult(ctx context.Context, r pipeline.Result)
}

// Config configures a [Gateway].
type Config struct {
	// Tracker owns the sessions. Required.
	Tracker *session.Tracker

	// Pipeline analyses chunks. Required.
	Pipeline Processor

	// SampleRate of direct-path frames and of every chunk handed to the
	// pipeline. Defaults to [audio.DefaultSampleRate].
	SampleRate int

	// TelephonyEncoding is the payload encoding of telephony media events,
	// [EncodingPCM16] (default) or [EncodingMulaw].
	TelephonyEncoding string

	// TelephonySampleRate is the rate of telephony payloads. Defaults to
	// SampleRate for pcm16 and [audio.TelephonySampleRate] for mulaw.
	TelephonySampleRate int

	// QueueSize bounds the per-connection chunk queue. A full queue blocks
	// the reader. Defaults to 16.
	QueueSize int

	// MaxDecodeFailures is how many consecutive undecodable chunks a session
	// survives; the next one closes it with [CloseFatal]. Defaults to 3.
	MaxDecodeFailures int

	// MaxMessageBytes is the read limit of every stream connection. A longer
	// message closes the connection with 1009. Defaults to 1 MiB.
	MaxMessageBytes int64

	// WriteTimeout bounds a single result write. Defaults to 5s.
	WriteTimeout time.Duration

	// OriginPatterns are passed to websocket.AcceptOptions. Empty means
	// same-origin only.
	OriginPatterns []string

	// Sink receives emitted results. Optional.
	Sink ResultSink

	// Metrics is optional.
	Metrics *observe.Metrics

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Gateway serves the stream and call-control endpoints.
type Gateway struct {
	cfg Config
}

// New validates cfg and creates a Gateway.
func New(cfg Config) (*Gateway, error) {
	var errs []error
	if cfg.Tracker == nil {
		errs = append(errs, errors.New("gateway: tracker is required"))
	}
	if cfg.Pipeline == nil {
		errs = append(errs, errors.New("gateway: pipeline is required"))
	}
	switch cfg.TelephonyEncoding {
	case "":
		cfg.TelephonyEncoding = EncodingPCM16
	case EncodingPCM16, EncodingMulaw:
	default:
		errs = append(errs, fmt.Errorf("gateway: unknown telephony encoding %q", cfg.TelephonyEncoding))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.TelephonySampleRate <= 0 {
		cfg.TelephonySampleRate = cfg.SampleRate
		if cfg.TelephonyEncoding == EncodingMulaw {
			cfg.TelephonySampleRate = audio.TelephonySampleRate
		}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.MaxDecodeFailures <= 0 {
		cfg.MaxDecodeFailures = 3
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gateway{cfg: cfg}, nil
}

// Register adds the gateway routes to mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/stream", g.handleStream)
	mux.HandleFunc("GET /v1/telephony/{callID}", g.handleTelephony)
	mux.HandleFunc("POST /v1/calls", g.handleCreateCall)
	mux.HandleFunc("DELETE /v1/calls/{callID}", g.handleDeleteCall)
}

func (g *Gateway) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.cfg.OriginPatterns,
	})
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(g.cfg.MaxMessageBytes)
	return ws, nil
}

// handleStream serves the direct path.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("session")
	if token == "" {
		http.Error(w, "missing session parameter", http.StatusBadRequest)
		return
	}

	ws, err := g.accept(w, r)
	if err != nil {
		slog.Warn("gateway: websocket accept failed", "path", pathDirect, "error", err)
		return
	}
	defer ws.CloseNow()

	sess, err := g.cfg.Tracker.Open(token, "")
	if err != nil {
		if errors.Is(err, session.ErrExists) {
			_ = ws.Close(CloseSessionConflict, reasonSessionConflict)
			return
		}
		_ = ws.Close(CloseFatal, truncateReason(err.Error()))
		return
	}
	sess.Attach()
	defer g.closeSession(sess)

	c := g.newConnection(ws, sess, pathDirect, g.directFrames())
	c.run(r.Context())
}

// handleTelephony serves the telephony path.
func (g *Gateway) handleTelephony(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("callID")

	ws, err := g.accept(w, r)
	if err != nil {
		slog.Warn("gateway: websocket accept failed", "path", pathTelephony, "error", err)
		return
	}
	defer ws.CloseNow()

	sess, err := g.cfg.Tracker.LookupCall(callID)
	if err != nil {
		slog.Info("gateway: telephony stream for unknown call", "call_id", callID)
		_ = ws.Close(CloseCallNotFound, reasonCallNotFound)
		return
	}
	if !sess.Attach() {
		_ = ws.Close(CloseSessionConflict, reasonSessionConflict)
		return
	}
	defer g.closeSession(sess)

	c := g.newConnection(ws, sess, pathTelephony, g.telephonyFrames())
	c.run(r.Context())
}

// closeSession detaches and tears down sess after its connection ended. The
// session may already be gone (idle reaper, DELETE, shutdown).
func (g *Gateway) closeSession(sess *session.Session) {
	sess.Detach()
	if err := g.cfg.Tracker.Close(sess.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		slog.Warn("gateway: closing session", "session_id", sess.ID, "error", err)
	}
}

type createCallRequest struct {
	CallID string `json:"call_id"`
}

type createCallResponse struct {
	CallID    string `json:"call_id"`
	SessionID string `json:"session_id"`
}

// handleCreateCall registers an accepted telephony call.
func (g *Gateway) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CallID == "" {
		http.Error(w, "call_id is required", http.StatusBadRequest)
		return
	}

	sess, err := g.cfg.Tracker.Register(req.CallID)
	switch {
	case errors.Is(err, session.ErrExists):
		http.Error(w, "call already registered", http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(createCallResponse{CallID: sess.CallID, SessionID: sess.ID})
}

// handleDeleteCall tears down a call's session.
func (g *Gateway) handleDeleteCall(w http.ResponseWriter, r *http.Request) {
	if err := g.cfg.Tracker.CloseCall(r.PathValue("callID")); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			http.Error(w, "call not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// maxReasonBytes is the websocket limit on a close reason.
const maxReasonBytes = 123

// truncateReason shortens s to fit a close frame without splitting a UTF-8
// sequence.
func truncateReason(s string) string {
	if len(s) <= maxReasonBytes {
		return s
	}
	cut := maxReasonBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
