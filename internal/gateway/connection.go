package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/pipeline"
	"github.com/MrWong99/earshot/internal/session"
)

// frame is the audio carried by one websocket message.
type frame struct {
	pcm []byte
	seq int64
}

// decodeFunc turns one websocket message into a frame. It is only called from
// the connection's reader goroutine.
type decodeFunc func(typ websocket.MessageType, data []byte) (frame, error)

// resultMessage is the wire form of an emitted result.
type resultMessage struct {
	Text      string           `json:"text"`
	Sentiment sentimentMessage `json:"sentiment"`
	SpeakerID string           `json:"speaker_id"`
}

type sentimentMessage struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

func newResultMessage(r pipeline.Result) resultMessage {
	return resultMessage{
		Text:      r.Text,
		Sentiment: sentimentMessage{Label: r.Sentiment.Label, Score: r.Sentiment.Score},
		SpeakerID: r.SpeakerID,
	}
}

// connection is one accepted websocket bound to a session.
type connection struct {
	g      *Gateway
	ws     *websocket.Conn
	sess   *session.Session
	path   string
	decode decodeFunc
	log    *slog.Logger

	closeOnce sync.Once
}

func (g *Gateway) newConnection(ws *websocket.Conn, sess *session.Session, path string, decode decodeFunc) *connection {
	return &connection{
		g:      g,
		ws:     ws,
		sess:   sess,
		path:   path,
		decode: decode,
		log: slog.With(
			"conn_id", uuid.NewString(),
			"session_id", sess.ID,
			"path", path,
		),
	}
}

// close sends a close frame once. Later calls are no-ops.
func (c *connection) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		if err := c.ws.Close(code, truncateReason(reason)); err != nil {
			c.log.Debug("close handshake incomplete", "code", int(code), "error", err)
		}
	})
}

// run serves the connection until the client leaves, the session is closed,
// or a fatal error occurs. ctx scopes the websocket reads.
func (c *connection) run(ctx context.Context) {
	if m := c.g.cfg.Metrics; m != nil {
		attrs := metric.WithAttributes(observe.Attr("path", c.path))
		m.ActiveConnections.Add(context.Background(), 1, attrs)
		defer m.ActiveConnections.Add(context.Background(), -1, attrs)
	}
	c.log.Info("stream connected")

	procCtx, cancel := context.WithCancel(c.sess.Context())
	defer cancel()

	queue := make(chan pipeline.Chunk, c.g.cfg.QueueSize)
	procDone := make(chan struct{})
	go func() {
		defer close(procDone)
		c.process(procCtx, cancel, queue)
	}()

	readerDone := make(chan struct{})
	go func() {
		select {
		case <-c.sess.Done():
			c.close(websocket.StatusNormalClosure, reasonSessionClosed)
		case <-readerDone:
		}
	}()

	err := c.read(ctx, procCtx, queue)
	close(readerDone)
	cancel()
	close(queue)
	<-procDone

	c.log.Info("stream disconnected",
		"close_status", int(websocket.CloseStatus(err)),
		"error", err,
	)
}

// read receives messages and queues their chunks until the connection fails
// or procCtx ends. A full queue blocks the reader.
func (c *connection) read(ctx, procCtx context.Context, queue chan<- pipeline.Chunk) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}

		f, err := c.decode(typ, data)
		switch {
		case errors.Is(err, errIgnored):
			c.log.Debug("ignoring message", "type", typ.String(), "error", err)
			continue
		case errors.Is(err, errStreamStopped):
			c.log.Info("telephony stream stop event")
			continue
		case err != nil:
			reason := dropMalformed
			if errors.Is(err, errPayload) {
				reason = dropPayload
			}
			c.log.Warn("dropping message", "reason", reason, "error", err)
			c.dropped(reason)
			continue
		}

		now := c.g.cfg.Now()
		c.sess.Touch(now)

		last := c.sess.LastSequence()
		switch st := c.sess.ObserveSequence(f.seq); st {
		case session.SeqGap:
			c.log.Warn("sequence gap", "expected", last+1, "got", f.seq)
			c.anomaly(st)
		case session.SeqDuplicate:
			c.log.Warn("duplicate or out-of-order chunk dropped", "last", last, "got", f.seq)
			c.anomaly(st)
			c.dropped(dropDuplicate)
			continue
		}

		if m := c.g.cfg.Metrics; m != nil {
			m.ChunksReceived.Add(context.Background(), 1,
				metric.WithAttributes(observe.Attr("path", c.path)))
		}

		chunk := pipeline.Chunk{
			SessionID:  c.sess.ID,
			Sequence:   f.seq,
			PCM:        f.pcm,
			SampleRate: c.g.cfg.SampleRate,
			ReceivedAt: now,
		}
		select {
		case queue <- chunk:
		case <-procCtx.Done():
			return procCtx.Err()
		}
	}
}

// process analyses queued chunks one at a time and writes the results back.
func (c *connection) process(ctx context.Context, cancel context.CancelFunc, queue <-chan pipeline.Chunk) {
	failures := 0
	for chunk := range queue {
		if ctx.Err() != nil {
			continue
		}

		res, out, err := c.g.cfg.Pipeline.Process(ctx, c.sess, chunk)
		switch {
		case errors.Is(err, pipeline.ErrDecode):
			failures++
			c.dropped(dropDecode)
			c.log.Warn("undecodable chunk", "sequence", chunk.Sequence, "consecutive", failures, "error", err)
			if failures > c.g.cfg.MaxDecodeFailures {
				c.fail(cancel, fmt.Sprintf("too many undecodable chunks: %v", err))
			}
			continue
		case err != nil:
			if ctx.Err() == nil {
				c.fail(cancel, err.Error())
			}
			continue
		}
		failures = 0

		if !out.Emit {
			c.log.Debug("result suppressed", "sequence", chunk.Sequence, "reason", out.SuppressReason)
			continue
		}
		if err := c.writeResult(res); err != nil {
			c.log.Debug("result write failed", "sequence", chunk.Sequence, "error", err)
			cancel()
			continue
		}
		if c.g.cfg.Sink != nil {
			c.g.cfg.Sink.RecordResult(context.WithoutCancel(ctx), res)
		}
	}
}

// fail ends the connection with [CloseFatal].
func (c *connection) fail(cancel context.CancelFunc, reason string) {
	c.log.Error("closing session after fatal error", "reason", reason)
	cancel()
	c.close(CloseFatal, reason)
}

func (c *connection) writeResult(res pipeline.Result) error {
	data, err := json.Marshal(newResultMessage(res))
	if err != nil {
		return fmt.Errorf("gateway: marshal result: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.g.cfg.WriteTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *connection) dropped(reason string) {
	if m := c.g.cfg.Metrics; m != nil {
		m.RecordChunkDropped(context.Background(), reason)
	}
}

func (c *connection) anomaly(st session.SeqStatus) {
	if m := c.g.cfg.Metrics; m != nil {
		m.RecordSequenceAnomaly(context.Background(), st.String())
	}
}
