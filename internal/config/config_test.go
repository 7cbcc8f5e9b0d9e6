package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/pkg/provider/sentiment"
	sentimentmock "github.com/MrWong99/earshot/pkg/provider/sentiment/mock"
	"github.com/MrWong99/earshot/pkg/provider/transcribe"
	transcribemock "github.com/MrWong99/earshot/pkg/provider/transcribe/mock"
	"github.com/MrWong99/earshot/pkg/provider/voiceprint"
	voiceprintmock "github.com/MrWong99/earshot/pkg/provider/voiceprint/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  session_idle_timeout: 2m
  origin_patterns: ["*.example.com"]

audio:
  sample_rate: 16000

telephony:
  encoding: mulaw

pipeline:
  stage_timeout: 3s
  suppress_empty: false
  max_decode_failures: 5
  queue_size: 32
  max_chunk_bytes: 262144

memory:
  max_speakers: 4
  memory_threshold_mb: 512
  inactive_threshold_seconds: 120
  merge_similarity_threshold: 0.9
  temporal_decay_factor: 0.95
  sweep_interval: 10s

providers:
  transcribe:
    name: whisper
    base_url: http://localhost:8081
    options:
      language: en
  transcribe_fallback:
    name: openai
    api_key: sk-test
    model: whisper-1
  sentiment:
    name: http
    base_url: http://localhost:8082
  voiceprint:
    name: http
    base_url: http://localhost:8083
    options:
      dimensions: 192
  breaker:
    max_failures: 3
    reset_timeout: 10s

store:
  postgres_dsn: postgres://localhost/earshot

observe:
  service_name: earshot-test
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── loading ──────────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Server.SessionIdleTimeout != 2*time.Minute {
		t.Errorf("session_idle_timeout: got %s", cfg.Server.SessionIdleTimeout)
	}
	if len(cfg.Server.OriginPatterns) != 1 || cfg.Server.OriginPatterns[0] != "*.example.com" {
		t.Errorf("origin_patterns: got %v", cfg.Server.OriginPatterns)
	}
	if cfg.Telephony.Encoding != config.EncodingMulaw {
		t.Errorf("telephony.encoding: got %q", cfg.Telephony.Encoding)
	}
	if cfg.Telephony.SampleRate != config.DefaultTelephonyRate {
		t.Errorf("mulaw telephony.sample_rate default: got %d, want %d", cfg.Telephony.SampleRate, config.DefaultTelephonyRate)
	}
	if cfg.Pipeline.SuppressEmptyResults() {
		t.Error("suppress_empty: got true, want false")
	}
	if cfg.Pipeline.StageTimeout != 3*time.Second || cfg.Pipeline.MaxDecodeFailures != 5 || cfg.Pipeline.QueueSize != 32 || cfg.Pipeline.MaxChunkBytes != 262144 {
		t.Errorf("pipeline: got %+v", cfg.Pipeline)
	}

	m := cfg.Memory
	if m.MaxSpeakers != 4 || m.MergeSimilarityThreshold != 0.9 || m.TemporalDecayFactor != 0.95 {
		t.Errorf("memory: got %+v", m)
	}
	if m.InactiveThreshold() != 2*time.Minute {
		t.Errorf("InactiveThreshold: got %s", m.InactiveThreshold())
	}
	if m.MemoryThreshold() != 512<<20 {
		t.Errorf("MemoryThreshold: got %d", m.MemoryThreshold())
	}
	if m.SweepInterval != 10*time.Second {
		t.Errorf("sweep_interval: got %s", m.SweepInterval)
	}

	p := cfg.Providers
	if p.Transcribe.Name != "whisper" || p.Transcribe.StringOption("language") != "en" {
		t.Errorf("providers.transcribe: got %+v", p.Transcribe)
	}
	if p.TranscribeFallback.Name != "openai" || p.TranscribeFallback.Model != "whisper-1" {
		t.Errorf("providers.transcribe_fallback: got %+v", p.TranscribeFallback)
	}
	if p.Voiceprint.IntOption("dimensions") != 192 {
		t.Errorf("voiceprint dimensions option: got %d", p.Voiceprint.IntOption("dimensions"))
	}
	if p.Breaker.MaxFailures != 3 || p.Breaker.ResetTimeout != 10*time.Second {
		t.Errorf("providers.breaker: got %+v", p.Breaker)
	}

	if cfg.Store.EmbeddingDimensions != config.DefaultEmbeddingDimensions {
		t.Errorf("store.embedding_dimensions default: got %d", cfg.Store.EmbeddingDimensions)
	}
	if cfg.Observe.ServiceName != "earshot-test" {
		t.Errorf("observe.service_name: got %q", cfg.Observe.ServiceName)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "providers:\n  transcribe:\n    name: whisper\n")

	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Server.SessionIdleTimeout != config.DefaultSessionIdleTimeout {
		t.Errorf("session_idle_timeout: got %s", cfg.Server.SessionIdleTimeout)
	}
	if cfg.Audio.SampleRate != config.DefaultSampleRate {
		t.Errorf("audio.sample_rate: got %d", cfg.Audio.SampleRate)
	}
	if cfg.Telephony.Encoding != config.EncodingPCM16 || cfg.Telephony.SampleRate != config.DefaultSampleRate {
		t.Errorf("telephony: got %+v", cfg.Telephony)
	}
	if !cfg.Pipeline.SuppressEmptyResults() {
		t.Error("suppress_empty should default to true")
	}
	if cfg.Pipeline.MaxDecodeFailures != config.DefaultMaxDecodeFailures {
		t.Errorf("max_decode_failures: got %d", cfg.Pipeline.MaxDecodeFailures)
	}
	if cfg.Memory.MaxGlobalEvictions != config.DefaultMaxGlobalEvictions {
		t.Errorf("max_global_evictions: got %d", cfg.Memory.MaxGlobalEvictions)
	}
	if cfg.Pipeline.MaxChunkBytes != config.DefaultMaxChunkBytes {
		t.Errorf("max_chunk_bytes: got %d", cfg.Pipeline.MaxChunkBytes)
	}
	if cfg.Memory.MaxSpeakers != config.DefaultMaxSpeakers {
		t.Errorf("max_speakers: got %d", cfg.Memory.MaxSpeakers)
	}
	if cfg.Memory.MergeSimilarityThreshold != config.DefaultMergeThreshold {
		t.Errorf("merge_similarity_threshold: got %v", cfg.Memory.MergeSimilarityThreshold)
	}
	if cfg.Memory.MemoryThreshold() != 0 {
		t.Errorf("memory threshold should be disabled by default, got %d", cfg.Memory.MemoryThreshold())
	}
	if cfg.Store.EmbeddingDimensions != 0 {
		t.Errorf("embedding_dimensions without a store: got %d, want 0", cfg.Store.EmbeddingDimensions)
	}
	if cfg.Observe.ServiceName != config.DefaultServiceName {
		t.Errorf("service_name: got %q", cfg.Observe.ServiceName)
	}
	if cfg.Observe.TraceSampleRatio != config.DefaultTraceSampleRatio {
		t.Errorf("trace_sample_ratio: got %v", cfg.Observe.TraceSampleRatio)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("providers:\n  transcribe:\n    name: whisper\n    colour: blue\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load("/nonexistent/earshot.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want string
	}{
		{config.LogDebug, "DEBUG"},
		{config.LogInfo, "INFO"},
		{config.LogWarn, "WARN"},
		{config.LogError, "ERROR"},
		{"bananas", "INFO"},
	}
	for _, tt := range tests {
		if got := tt.in.Level().String(); got != tt.want {
			t.Errorf("%q.Level() = %s, want %s", tt.in, got, tt.want)
		}
	}
}

// ── registry ─────────────────────────────────────────────────────────────────

func TestRegistry_CreateRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	tr := &transcribemock.Provider{}
	se := &sentimentmock.Provider{}
	vp := &voiceprintmock.Provider{}
	var gotEntry config.ProviderEntry

	reg.RegisterTranscribe("fake", func(e config.ProviderEntry) (transcribe.Provider, error) {
		gotEntry = e
		return tr, nil
	})
	reg.RegisterSentiment("fake", func(config.ProviderEntry) (sentiment.Provider, error) { return se, nil })
	reg.RegisterVoiceprint("fake", func(config.ProviderEntry) (voiceprint.Provider, error) { return vp, nil })

	entry := config.ProviderEntry{Name: "fake", BaseURL: "http://x"}
	p, err := reg.CreateTranscribe(entry)
	if err != nil {
		t.Fatalf("CreateTranscribe: %v", err)
	}
	if p != tr {
		t.Error("CreateTranscribe returned a different provider")
	}
	if gotEntry.BaseURL != "http://x" {
		t.Errorf("factory entry: got %+v", gotEntry)
	}
	if s, err := reg.CreateSentiment(entry); err != nil || s != se {
		t.Errorf("CreateSentiment: got %v, %v", s, err)
	}
	if v, err := reg.CreateVoiceprint(entry); err != nil || v != vp {
		t.Errorf("CreateVoiceprint: got %v, %v", v, err)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	_, err := reg.CreateTranscribe(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateTranscribe: got %v, want ErrProviderNotRegistered", err)
	}
	_, err = reg.CreateSentiment(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSentiment: got %v, want ErrProviderNotRegistered", err)
	}
	_, err = reg.CreateVoiceprint(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateVoiceprint: got %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("boom")
	reg.RegisterTranscribe("bad", func(config.ProviderEntry) (transcribe.Provider, error) { return nil, boom })

	_, err := reg.CreateTranscribe(config.ProviderEntry{Name: "bad"})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want wrapped boom", err)
	}
	if !strings.Contains(err.Error(), `transcribe/"bad"`) {
		t.Errorf("error should name the backend, got: %v", err)
	}
}

func TestRegistry_OverwriteRegistration(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	first := &transcribemock.Provider{}
	second := &transcribemock.Provider{}
	reg.RegisterTranscribe("x", func(config.ProviderEntry) (transcribe.Provider, error) { return first, nil })
	reg.RegisterTranscribe("x", func(config.ProviderEntry) (transcribe.Provider, error) { return second, nil })

	p, err := reg.CreateTranscribe(config.ProviderEntry{Name: "x"})
	if err != nil {
		t.Fatalf("CreateTranscribe: %v", err)
	}
	if p != second {
		t.Error("expected the second registration to win")
	}
}
