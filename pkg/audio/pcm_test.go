package audio_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/earshot/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func sine(samples int, amplitude float64) []byte {
	buf := make([]int16, samples)
	for i := range buf {
		buf[i] = int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return samplesToBytes(buf)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"empty", nil, audio.ErrEmpty},
		{"odd", []byte{1, 2, 3}, audio.ErrOddLength},
		{"ok", []byte{1, 2, 3, 4}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := audio.Validate(tt.in)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDurationMs(t *testing.T) {
	pcm := make([]byte, 16000*2/10) // 100 ms at 16 kHz
	if got := audio.DurationMs(pcm, 16000); got != 100 {
		t.Errorf("DurationMs = %d, want 100", got)
	}
	if got := audio.DurationMs(pcm, 0); got != 0 {
		t.Errorf("DurationMs with zero rate = %d, want 0", got)
	}
}

func TestRMS(t *testing.T) {
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %f, want 0", got)
	}
	got := audio.RMS(samplesToBytes([]int16{1000, -1000, 1000, -1000}))
	if math.Abs(got-1000) > 1e-9 {
		t.Errorf("RMS = %f, want 1000", got)
	}
}

func TestQuality(t *testing.T) {
	silent := audio.Quality(make([]byte, 320))
	loud := audio.Quality(sine(1600, 10_000))
	quiet := audio.Quality(sine(1600, 1_500))

	if silent <= 0 {
		t.Errorf("silence quality must stay positive, got %f", silent)
	}
	if loud != 1 {
		t.Errorf("loud speech quality = %f, want 1", loud)
	}
	if !(silent < quiet && quiet < loud) {
		t.Errorf("quality not monotonic: silent=%f quiet=%f loud=%f", silent, quiet, loud)
	}

	clipped := make([]int16, 100)
	for i := range clipped {
		if i%2 == 0 {
			clipped[i] = math.MaxInt16
		} else {
			clipped[i] = math.MinInt16
		}
	}
	if q := audio.Quality(samplesToBytes(clipped)); q > 0.1 {
		t.Errorf("fully clipped quality = %f, want near floor", q)
	}
}

func TestToFloat32(t *testing.T) {
	got := audio.ToFloat32(samplesToBytes([]int16{0, 16384, -32768}))
	want := []float32{0, 0.5, -1}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %f, want %f", i, got[i], want[i])
		}
	}
}

func TestResampleMono16(t *testing.T) {
	t.Run("same rate is identity", func(t *testing.T) {
		in := samplesToBytes([]int16{1, 2, 3})
		out := audio.ResampleMono16(in, 16000, 16000)
		if &out[0] != &in[0] {
			t.Error("expected input slice to be returned unchanged")
		}
	})

	t.Run("upsample doubles length", func(t *testing.T) {
		in := samplesToBytes([]int16{0, 100, 200, 300})
		out := bytesToSamples(audio.ResampleMono16(in, 8000, 16000))
		if len(out) != 8 {
			t.Fatalf("len = %d, want 8", len(out))
		}
		want := []int16{0, 50, 100, 150, 200, 250, 300, 300}
		for i := range want {
			if out[i] != want[i] {
				t.Errorf("sample %d: got %d, want %d", i, out[i], want[i])
			}
		}
	})
}

func TestDecodeMulaw(t *testing.T) {
	tests := []struct {
		in   byte
		want int16
	}{
		{0xFF, 0},
		{0x7F, 0},
		{0x00, -32124},
		{0x80, 32124},
	}
	for _, tt := range tests {
		got := bytesToSamples(audio.DecodeMulaw([]byte{tt.in}))
		if len(got) != 1 || got[0] != tt.want {
			t.Errorf("DecodeMulaw(%#x) = %v, want %d", tt.in, got, tt.want)
		}
	}
}

func TestEncodeWAV(t *testing.T) {
	pcm := samplesToBytes([]int16{1, 2, 3, 4})
	wav := audio.EncodeWAV(pcm, 16000)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Error("missing RIFF/WAVE/data markers")
	}
	if sr := binary.LittleEndian.Uint32(wav[24:28]); sr != 16000 {
		t.Errorf("sample rate = %d, want 16000", sr)
	}
	if ds := binary.LittleEndian.Uint32(wav[40:44]); ds != uint32(len(pcm)) {
		t.Errorf("data size = %d, want %d", ds, len(pcm))
	}
}
