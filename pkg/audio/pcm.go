// Package audio holds the PCM helpers shared by the ingress transports and the
// analysis backends.
//
// All audio inside earshot is 16-bit signed little-endian mono PCM. The
// telephony transport may deliver G.711 µ-law at 8 kHz; [DecodeMulaw] and
// [ResampleMono16] bring it into the canonical format before it reaches the
// pipeline.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// BitsPerSample is fixed at 16 for all PCM handled by earshot.
	BitsPerSample = 16

	// DefaultSampleRate is the agreed rate of direct-path frames.
	DefaultSampleRate = 16000

	// TelephonySampleRate is the G.711 narrow-band rate.
	TelephonySampleRate = 8000
)

// ErrOddLength is returned by [Validate] when the buffer cannot be split into
// whole 16-bit samples.
var ErrOddLength = errors.New("audio: odd byte count in PCM16 data")

// ErrEmpty is returned by [Validate] for a zero-length buffer.
var ErrEmpty = errors.New("audio: empty PCM buffer")

// Validate checks that pcm is a usable PCM16 buffer.
func Validate(pcm []byte) error {
	if len(pcm) == 0 {
		return ErrEmpty
	}
	if len(pcm)%2 != 0 {
		return fmt.Errorf("%w (%d bytes)", ErrOddLength, len(pcm))
	}
	return nil
}

// DurationMs returns the playback length of pcm in milliseconds.
func DurationMs(pcm []byte, sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	return (len(pcm) / 2) * 1000 / sampleRate
}

// ToFloat32 converts PCM16 to float32 samples normalised to [-1.0, 1.0]. A
// trailing odd byte is ignored.
func ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

// RMS returns the root-mean-square energy of a PCM16 buffer in raw sample
// units (0..32767). Returns 0 for buffers shorter than one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// silenceRMS is the energy below which a buffer is considered near-silent.
const silenceRMS = 300.0

// speechRMS is the energy at which a buffer is considered fully voiced.
const speechRMS = 3000.0

// minQuality keeps the centroid update denominator away from zero.
const minQuality = 0.05

// Quality estimates how useful pcm is for speaker modelling, in
// [minQuality, 1]. Near-silent buffers get the floor value; buffers at or
// above normal speech energy get 1. Clipped buffers are penalised.
func Quality(pcm []byte) float64 {
	rms := RMS(pcm)
	if rms <= silenceRMS {
		return minQuality
	}
	q := (rms - silenceRMS) / (speechRMS - silenceRMS)
	q = math.Min(q, 1)

	n := len(pcm) / 2
	clipped := 0
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		if s == math.MaxInt16 || s == math.MinInt16 {
			clipped++
		}
	}
	if n > 0 {
		q *= 1 - float64(clipped)/float64(n)
	}
	return math.Max(q, minQuality)
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate, the input is returned
// unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(binary.LittleEndian.Uint16(pcm[srcIdx*2:]))
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(binary.LittleEndian.Uint16(pcm[(srcIdx+1)*2:]))
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// mulawBias is the G.711 µ-law encoding bias.
const mulawBias = 0x84

// DecodeMulaw expands G.711 µ-law bytes into PCM16 at the same sample rate.
func DecodeMulaw(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(mulawToLinear(b)))
	}
	return out
}

func mulawToLinear(b byte) int16 {
	u := ^b
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	magnitude := ((int(mantissa) << 3) + mulawBias) << exponent
	magnitude -= mulawBias
	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// EncodeWAV wraps PCM16 mono data in a RIFF/WAV container for backends that
// accept file uploads.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	const channels = 1
	byteRate := sampleRate * channels * BitsPerSample / 8
	blockAlign := channels * BitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], BitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
