// Package config provides the configuration schema, loader, and backend
// registry for the earshot analysis service.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Telephony payload encodings.
const (
	EncodingPCM16 = "pcm16"
	EncodingMulaw = "mulaw"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Telephony TelephonyConfig `yaml:"telephony"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Memory    MemoryConfig    `yaml:"memory"`
	Providers ProvidersConfig `yaml:"providers"`
	Store     StoreConfig     `yaml:"store"`
	Observe   ObserveConfig   `yaml:"observe"`
}

// ServerConfig holds network, session and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is the only setting applied on reload.
	LogLevel LogLevel `yaml:"log_level"`

	// SessionIdleTimeout closes sessions that receive no audio for this long.
	// Zero disables idle closing.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// OriginPatterns lists the hosts allowed to open cross-origin websocket
	// connections. Empty means same-origin only.
	OriginPatterns []string `yaml:"origin_patterns"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds paths to PEM-encoded TLS certificate and key files.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AudioConfig describes the audio handed to the analysis pipeline.
type AudioConfig struct {
	// SampleRate of direct-path frames and of every analysed chunk.
	SampleRate int `yaml:"sample_rate"`
}

// TelephonyConfig describes telephony media payloads.
type TelephonyConfig struct {
	// Encoding is [EncodingPCM16] or [EncodingMulaw].
	Encoding string `yaml:"encoding"`

	// SampleRate of the payloads. Payloads are resampled to
	// [AudioConfig.SampleRate] before analysis.
	SampleRate int `yaml:"sample_rate"`
}

// PipelineConfig tunes chunk processing.
type PipelineConfig struct {
	// StageTimeout bounds each backend call.
	StageTimeout time.Duration `yaml:"stage_timeout"`

	// SuppressEmpty drops results with an empty transcript. A nil value
	// means true.
	SuppressEmpty *bool `yaml:"suppress_empty"`

	// MaxDecodeFailures is how many consecutive undecodable chunks a session
	// survives before it is closed.
	MaxDecodeFailures int `yaml:"max_decode_failures"`

	// QueueSize bounds each connection's chunk queue.
	QueueSize int `yaml:"queue_size"`

	// MaxChunkBytes is the largest websocket message a stream may send.
	// Larger messages close the connection with 1009.
	MaxChunkBytes int64 `yaml:"max_chunk_bytes"`
}

// SuppressEmptyResults resolves [PipelineConfig.SuppressEmpty].
func (p PipelineConfig) SuppressEmptyResults() bool {
	return p.SuppressEmpty == nil || *p.SuppressEmpty
}

// MemoryConfig bounds speaker profile memory. It is read once at startup.
type MemoryConfig struct {
	// MaxSpeakers caps the profiles kept per session.
	MaxSpeakers int `yaml:"max_speakers"`

	// MemoryThresholdMB triggers global eviction when the process heap grows
	// past it. Zero disables the global pass.
	MemoryThresholdMB int `yaml:"memory_threshold_mb"`

	// InactiveThresholdSeconds evicts profiles not heard from for this long.
	InactiveThresholdSeconds int `yaml:"inactive_threshold_seconds"`

	// MergeSimilarityThreshold is the cosine similarity at or above which an
	// embedding joins an existing profile.
	MergeSimilarityThreshold float64 `yaml:"merge_similarity_threshold"`

	// TemporalDecayFactor discounts similarity per idle minute. Values
	// outside (0, 1) disable decay.
	TemporalDecayFactor float64 `yaml:"temporal_decay_factor"`

	// SweepInterval is the governor period.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// MaxGlobalEvictions bounds the profiles one memory-pressure pass may
	// evict across all sessions.
	MaxGlobalEvictions int `yaml:"max_global_evictions"`
}

// InactiveThreshold returns InactiveThresholdSeconds as a duration.
func (m MemoryConfig) InactiveThreshold() time.Duration {
	return time.Duration(m.InactiveThresholdSeconds) * time.Second
}

// MemoryThreshold returns MemoryThresholdMB in bytes.
func (m MemoryConfig) MemoryThreshold() uint64 {
	if m.MemoryThresholdMB <= 0 {
		return 0
	}
	return uint64(m.MemoryThresholdMB) << 20
}

// ProvidersConfig selects the analysis backends.
type ProvidersConfig struct {
	Transcribe ProviderEntry `yaml:"transcribe"`

	// TranscribeFallback is tried when the primary transcriber fails or its
	// circuit is open. Optional.
	TranscribeFallback ProviderEntry `yaml:"transcribe_fallback"`

	Sentiment  ProviderEntry `yaml:"sentiment"`
	Voiceprint ProviderEntry `yaml:"voiceprint"`

	// Breaker configures the circuit breaker in front of every backend.
	Breaker BreakerConfig `yaml:"breaker"`
}

// ProviderEntry is the common configuration shape for a single backend.
type ProviderEntry struct {
	// Name selects the implementation (e.g., "whisper", "openai", "http").
	// An empty name disables the backend.
	Name string `yaml:"name"`

	// APIKey is the authentication key. May be empty for local backends.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model. For whisper-native this is the path to
	// the GGML model file.
	Model string `yaml:"model"`

	// Options holds implementation-specific settings.
	Options map[string]any `yaml:"options"`
}

// StringOption returns Options[key] when it is a string.
func (e ProviderEntry) StringOption(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// IntOption returns Options[key] when it is an integer.
func (e ProviderEntry) IntOption(key string) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// BreakerConfig tunes the backend circuit breakers.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// StoreConfig configures the optional result sink.
type StoreConfig struct {
	// PostgresDSN enables the sink when set.
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingDimensions sizes the speaker centroid column.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// ObserveConfig configures telemetry.
type ObserveConfig struct {
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the fraction of root traces that are sampled, in
	// (0, 1]. Defaults to 1.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}
