package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known backend names per backend kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"transcribe": {"whisper", "whisper-native", "openai"},
	"sentiment":  {"http", "openai"},
	"voiceprint": {"http"},
}

// Defaults used by [ApplyDefaults].
const (
	DefaultListenAddr          = ":8080"
	DefaultSessionIdleTimeout  = 10 * time.Minute
	DefaultShutdownTimeout     = 15 * time.Second
	DefaultSampleRate          = 16000
	DefaultTelephonyRate       = 8000
	DefaultStageTimeout        = 5 * time.Second
	DefaultMaxDecodeFailures   = 3
	DefaultQueueSize           = 16
	DefaultMaxChunkBytes       = 1 << 20
	DefaultMaxSpeakers         = 10
	DefaultInactiveSeconds     = 300
	DefaultMergeThreshold      = 0.75
	DefaultDecayFactor         = 1.0
	DefaultSweepInterval       = 30 * time.Second
	DefaultMaxGlobalEvictions  = 32
	DefaultEmbeddingDimensions = 192
	DefaultServiceName         = "earshot"
	DefaultTraceSampleRatio    = 1.0
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields of cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.SessionIdleTimeout == 0 {
		cfg.Server.SessionIdleTimeout = DefaultSessionIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Telephony.Encoding == "" {
		cfg.Telephony.Encoding = EncodingPCM16
	}
	if cfg.Telephony.SampleRate == 0 {
		cfg.Telephony.SampleRate = cfg.Audio.SampleRate
		if cfg.Telephony.Encoding == EncodingMulaw {
			cfg.Telephony.SampleRate = DefaultTelephonyRate
		}
	}

	if cfg.Pipeline.StageTimeout == 0 {
		cfg.Pipeline.StageTimeout = DefaultStageTimeout
	}
	if cfg.Pipeline.MaxDecodeFailures == 0 {
		cfg.Pipeline.MaxDecodeFailures = DefaultMaxDecodeFailures
	}
	if cfg.Pipeline.QueueSize == 0 {
		cfg.Pipeline.QueueSize = DefaultQueueSize
	}
	if cfg.Pipeline.MaxChunkBytes == 0 {
		cfg.Pipeline.MaxChunkBytes = DefaultMaxChunkBytes
	}

	if cfg.Memory.MaxSpeakers == 0 {
		cfg.Memory.MaxSpeakers = DefaultMaxSpeakers
	}
	if cfg.Memory.InactiveThresholdSeconds == 0 {
		cfg.Memory.InactiveThresholdSeconds = DefaultInactiveSeconds
	}
	if cfg.Memory.MergeSimilarityThreshold == 0 {
		cfg.Memory.MergeSimilarityThreshold = DefaultMergeThreshold
	}
	if cfg.Memory.TemporalDecayFactor == 0 {
		cfg.Memory.TemporalDecayFactor = DefaultDecayFactor
	}
	if cfg.Memory.SweepInterval == 0 {
		cfg.Memory.SweepInterval = DefaultSweepInterval
	}
	if cfg.Memory.MaxGlobalEvictions == 0 {
		cfg.Memory.MaxGlobalEvictions = DefaultMaxGlobalEvictions
	}

	if cfg.Store.PostgresDSN != "" && cfg.Store.EmbeddingDimensions == 0 {
		cfg.Store.EmbeddingDimensions = DefaultEmbeddingDimensions
	}
	if cfg.Observe.ServiceName == "" {
		cfg.Observe.ServiceName = DefaultServiceName
	}
	if cfg.Observe.TraceSampleRatio == 0 {
		cfg.Observe.TraceSampleRatio = DefaultTraceSampleRatio
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.SessionIdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.session_idle_timeout %s must not be negative", cfg.Server.SessionIdleTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	switch cfg.Telephony.Encoding {
	case "", EncodingPCM16, EncodingMulaw:
	default:
		errs = append(errs, fmt.Errorf("telephony.encoding %q is invalid; valid values: pcm16, mulaw", cfg.Telephony.Encoding))
	}
	if cfg.Telephony.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("telephony.sample_rate %d must not be negative", cfg.Telephony.SampleRate))
	}

	// Pipeline
	if cfg.Pipeline.StageTimeout < 0 {
		errs = append(errs, fmt.Errorf("pipeline.stage_timeout %s must not be negative", cfg.Pipeline.StageTimeout))
	}
	if cfg.Pipeline.MaxDecodeFailures < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_decode_failures %d must not be negative", cfg.Pipeline.MaxDecodeFailures))
	}
	if cfg.Pipeline.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("pipeline.queue_size %d must not be negative", cfg.Pipeline.QueueSize))
	}
	if cfg.Pipeline.MaxChunkBytes < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_chunk_bytes %d must not be negative", cfg.Pipeline.MaxChunkBytes))
	}

	// Memory
	m := cfg.Memory
	if m.MaxSpeakers < 0 {
		errs = append(errs, fmt.Errorf("memory.max_speakers %d must not be negative", m.MaxSpeakers))
	}
	if m.MemoryThresholdMB < 0 {
		errs = append(errs, fmt.Errorf("memory.memory_threshold_mb %d must not be negative", m.MemoryThresholdMB))
	}
	if m.InactiveThresholdSeconds < 0 {
		errs = append(errs, fmt.Errorf("memory.inactive_threshold_seconds %d must not be negative", m.InactiveThresholdSeconds))
	}
	if m.MergeSimilarityThreshold < -1 || m.MergeSimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("memory.merge_similarity_threshold %.2f is out of range [-1, 1]", m.MergeSimilarityThreshold))
	}
	if m.TemporalDecayFactor < 0 || m.TemporalDecayFactor > 1 {
		errs = append(errs, fmt.Errorf("memory.temporal_decay_factor %.2f is out of range [0, 1]", m.TemporalDecayFactor))
	}
	if m.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("memory.sweep_interval %s must not be negative", m.SweepInterval))
	}
	if m.MaxGlobalEvictions < 0 {
		errs = append(errs, fmt.Errorf("memory.max_global_evictions %d must not be negative", m.MaxGlobalEvictions))
	}

	// Providers
	if cfg.Providers.Transcribe.Name == "" {
		errs = append(errs, errors.New("providers.transcribe.name is required"))
	}
	validateProviderName("transcribe", cfg.Providers.Transcribe.Name)
	validateProviderName("transcribe", cfg.Providers.TranscribeFallback.Name)
	validateProviderName("sentiment", cfg.Providers.Sentiment.Name)
	validateProviderName("voiceprint", cfg.Providers.Voiceprint.Name)

	if cfg.Providers.Voiceprint.Name == "" {
		slog.Warn("providers.voiceprint is not configured; speaker identification is disabled")
	}
	if cfg.Providers.Sentiment.Name == "" {
		slog.Warn("providers.sentiment is not configured; every result is labelled unknown")
	}

	// Store
	if cfg.Store.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("store.embedding_dimensions %d must not be negative", cfg.Store.EmbeddingDimensions))
	}
	if cfg.Store.PostgresDSN == "" {
		slog.Debug("store.postgres_dsn is empty; results are not persisted")
	}

	// Observe
	if r := cfg.Observe.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observe.trace_sample_ratio %.2f is out of range (0, 1]", r))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party backend",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
