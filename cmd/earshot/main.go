// Command earshot is the main entry point for the earshot streaming audio
// analysis server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/earshot/internal/app"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/provider/sentiment"
	"github.com/MrWong99/earshot/pkg/provider/sentiment/httpclf"
	oasentiment "github.com/MrWong99/earshot/pkg/provider/sentiment/openai"
	"github.com/MrWong99/earshot/pkg/provider/transcribe"
	oatranscribe "github.com/MrWong99/earshot/pkg/provider/transcribe/openai"
	"github.com/MrWong99/earshot/pkg/provider/transcribe/whisper"
	"github.com/MrWong99/earshot/pkg/provider/transcribe/whispernative"
	"github.com/MrWong99/earshot/pkg/provider/voiceprint"
	"github.com/MrWong99/earshot/pkg/provider/voiceprint/httpvp"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the log level when the config file changes")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level is adjusted once the config is loaded and on every reload.
	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Load configuration ────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, config.OnChange(func(_, _ *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(d.NewLogLevel.Level())
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
		}
	}))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "earshot: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "earshot: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	level.Set(cfg.Server.LogLevel.Level())

	slog.Info("earshot starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *watch {
		go watcher.Run(ctx)
	}
	go reloadOnHangup(ctx, watcher)

	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:      cfg.Observe.ServiceName,
		ServiceVersion:   version,
		TraceSampleRatio: cfg.Observe.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	backends, err := buildBackends(cfg, reg)
	if err != nil {
		slog.Error("failed to build backends", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, backends,
		app.WithMeterProvider(telemetry.MeterProvider()),
		app.WithMetricsHandler(telemetry.MetricsHandler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	// Run returns after ctx is cancelled and the graceful shutdown finished.
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup rereads the config file on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := w.Reload(); err != nil {
				slog.Warn("config reload failed, keeping previous config", "err", err)
			}
		}
	}
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in backend factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Transcription ─────────────────────────────────────────────────────────

	reg.RegisterTranscribe("whisper", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.StringOption("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterTranscribe("whisper-native", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.StringOption("model_path")
		}
		var opts []whispernative.Option
		if lang := entry.StringOption("language"); lang != "" {
			opts = append(opts, whispernative.WithLanguage(lang))
		}
		if n := entry.IntOption("max_concurrent"); n > 0 {
			opts = append(opts, whispernative.WithMaxConcurrent(n))
		}
		return whispernative.New(modelPath, opts...)
	})

	reg.RegisterTranscribe("openai", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		var opts []oatranscribe.Option
		if entry.BaseURL != "" {
			opts = append(opts, oatranscribe.WithBaseURL(entry.BaseURL))
		}
		if lang := entry.StringOption("language"); lang != "" {
			opts = append(opts, oatranscribe.WithLanguage(lang))
		}
		return oatranscribe.New(entry.APIKey, entry.Model, opts...)
	})

	// ── Sentiment ─────────────────────────────────────────────────────────────

	reg.RegisterSentiment("http", func(entry config.ProviderEntry) (sentiment.Provider, error) {
		return httpclf.New(entry.BaseURL)
	})

	reg.RegisterSentiment("openai", func(entry config.ProviderEntry) (sentiment.Provider, error) {
		var opts []oasentiment.Option
		if entry.BaseURL != "" {
			opts = append(opts, oasentiment.WithBaseURL(entry.BaseURL))
		}
		return oasentiment.New(entry.APIKey, entry.Model, opts...)
	})

	// ── Voiceprint ────────────────────────────────────────────────────────────

	reg.RegisterVoiceprint("http", func(entry config.ProviderEntry) (voiceprint.Provider, error) {
		var opts []httpvp.Option
		if n := entry.IntOption("dimensions"); n > 0 {
			opts = append(opts, httpvp.WithDimensions(n))
		}
		return httpvp.New(entry.BaseURL, opts...)
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildBackends instantiates every backend named in cfg using the registry.
// Unset optional backends stay nil.
func buildBackends(cfg *config.Config, reg *config.Registry) (*app.Backends, error) {
	b := &app.Backends{}
	p := cfg.Providers

	var err error
	if b.Transcribe, err = reg.CreateTranscribe(p.Transcribe); err != nil {
		return nil, err
	}
	slog.Info("provider created", "kind", "transcribe", "name", p.Transcribe.Name)

	if p.TranscribeFallback.Name != "" {
		if b.TranscribeFallback, err = reg.CreateTranscribe(p.TranscribeFallback); err != nil {
			return nil, err
		}
		slog.Info("provider created", "kind", "transcribe_fallback", "name", p.TranscribeFallback.Name)
	}
	if p.Sentiment.Name != "" {
		if b.Sentiment, err = reg.CreateSentiment(p.Sentiment); err != nil {
			return nil, err
		}
		slog.Info("provider created", "kind", "sentiment", "name", p.Sentiment.Name)
	}
	if p.Voiceprint.Name != "" {
		if b.Voiceprint, err = reg.CreateVoiceprint(p.Voiceprint); err != nil {
			return nil, err
		}
		slog.Info("provider created", "kind", "voiceprint", "name", p.Voiceprint.Name)
	}
	return b, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         earshot: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Transcribe", cfg.Providers.Transcribe.Name, cfg.Providers.Transcribe.Model)
	printProvider("Fallback", cfg.Providers.TranscribeFallback.Name, cfg.Providers.TranscribeFallback.Model)
	printProvider("Sentiment", cfg.Providers.Sentiment.Name, cfg.Providers.Sentiment.Model)
	printProvider("Voiceprint", cfg.Providers.Voiceprint.Name, cfg.Providers.Voiceprint.Model)
	if cfg.Store.PostgresDSN != "" {
		fmt.Printf("║  Store           : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Store           : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Telephony       : %-19s ║\n", fmt.Sprintf("%s @ %d Hz", cfg.Telephony.Encoding, cfg.Telephony.SampleRate))
	fmt.Printf("║  Max speakers    : %-19d ║\n", cfg.Memory.MaxSpeakers)
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
