package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/earshot/pkg/audio"
)

var (
	// errIgnored marks a message that carries no audio and needs no action.
	errIgnored = errors.New("message carries no audio")

	// errStreamStopped marks a telephony stop event.
	errStreamStopped = errors.New("telephony stream stopped")

	// errMalformed marks a message that could not be parsed.
	errMalformed = errors.New("malformed message")

	// errPayload marks a media event whose payload could not be decoded.
	errPayload = errors.New("undecodable media payload")
)

// directFrames decodes direct-path messages: every binary frame is raw PCM
// and gets the next value of a per-connection counter starting at 1.
func (g *Gateway) directFrames() decodeFunc {
	var seq int64
	return func(typ websocket.MessageType, data []byte) (frame, error) {
		if typ != websocket.MessageBinary {
			return frame{}, fmt.Errorf("%w: text frame on direct path", errIgnored)
		}
		seq++
		return frame{pcm: data, seq: seq}, nil
	}
}

// envelope is one telephony event.
type envelope struct {
	Event    string         `json:"event"`
	Sequence sequenceNumber `json:"sequence"`
	Media    *struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// sequenceNumber accepts both 7 and "7"; some providers quote it.
type sequenceNumber int64

func (n *sequenceNumber) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("sequence %s: %w", b, err)
	}
	*n = sequenceNumber(v)
	return nil
}

// telephonyFrames decodes telephony envelopes. Only media events produce
// audio. Payloads are brought to the pipeline sample rate.
func (g *Gateway) telephonyFrames() decodeFunc {
	return func(_ websocket.MessageType, data []byte) (frame, error) {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return frame{}, fmt.Errorf("%w: %w", errMalformed, err)
		}

		switch env.Event {
		case "media":
		case "stop":
			return frame{}, errStreamStopped
		default:
			return frame{}, fmt.Errorf("%w: event %q", errIgnored, env.Event)
		}

		if env.Media == nil || env.Media.Payload == "" {
			return frame{}, fmt.Errorf("%w: media event without payload", errMalformed)
		}
		if env.Sequence <= 0 {
			return frame{}, fmt.Errorf("%w: media event without sequence", errMalformed)
		}

		raw, err := base64.StdEncoding.DecodeString(env.Media.Payload)
		if err != nil {
			return frame{}, fmt.Errorf("%w: %w", errPayload, err)
		}
		return frame{pcm: g.telephonyPCM(raw), seq: int64(env.Sequence)}, nil
	}
}

// telephonyPCM converts a decoded payload to PCM16 at the pipeline rate.
// Invalid PCM16 is passed through untouched so the pipeline reports it.
func (g *Gateway) telephonyPCM(raw []byte) []byte {
	pcm := raw
	if g.cfg.TelephonyEncoding == EncodingMulaw {
		pcm = audio.DecodeMulaw(raw)
	}
	if audio.Validate(pcm) != nil {
		return pcm
	}
	return audio.ResampleMono16(pcm, g.cfg.TelephonySampleRate, g.cfg.SampleRate)
}
