// Package app wires all earshot subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and runs the background loops until the context
// ends, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithMeterProvider, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/gateway"
	"github.com/MrWong99/earshot/internal/governor"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/pipeline"
	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/internal/session"
	"github.com/MrWong99/earshot/internal/sink"
	"github.com/MrWong99/earshot/internal/speaker"
	"github.com/MrWong99/earshot/pkg/provider/sentiment"
	"github.com/MrWong99/earshot/pkg/provider/transcribe"
	"github.com/MrWong99/earshot/pkg/provider/voiceprint"
	"github.com/MrWong99/earshot/pkg/store"
	"github.com/MrWong99/earshot/pkg/store/postgres"
)

// Backends holds one value per backend slot. Nil means the backend is not
// configured. Populated by main.go via the config registry.
type Backends struct {
	Transcribe         transcribe.Provider
	TranscribeFallback transcribe.Provider
	Sentiment          sentiment.Provider
	Voiceprint         voiceprint.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	meterProvider  metric.MeterProvider
	metricsHandler http.Handler
	probe          governor.MemoryProbe
	now            func() time.Time

	metrics    *observe.Metrics
	transcribe *resilience.TranscribeFallback
	sentiment  *resilience.SentimentFallback
	voiceprint *resilience.VoiceprintFallback
	store      store.Store
	guard      *sink.Guard
	tracker    *session.Tracker
	governor   *governor.Governor
	pipeline   *pipeline.Pipeline
	gateway    *gateway.Gateway
	health     *health.Handler
	handler    http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a result store instead of connecting to PostgreSQL.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMeterProvider records metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(a *App) { a.meterProvider = mp }
}

// WithMetricsHandler serves h at /metrics instead of the default Prometheus
// registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithMemoryProbe replaces the governor's heap probe.
func WithMemoryProbe(p governor.MemoryProbe) Option {
	return func(a *App) { a.probe = p }
}

// WithClock overrides the clock used by sessions, the pipeline and the
// governor.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The backends come
// from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, backends *Backends, opts ...Option) (*App, error) {
	if backends == nil || backends.Transcribe == nil {
		return nil, errors.New("app: a transcribe backend is required")
	}
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.meterProvider == nil {
		a.meterProvider = otel.GetMeterProvider()
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	// ── 1. Metrics ───────────────────────────────────────────────────────
	m, err := observe.NewMetrics(a.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	a.metrics = m

	// ── 2. Backends behind circuit breakers ──────────────────────────────
	a.initBackends(backends)

	// ── 3. Result sink ───────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 4. Sessions + governor ───────────────────────────────────────────
	a.initSessions()

	// ── 5. Pipeline + gateway ────────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 6. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) breakerConfig() resilience.BreakerConfig {
	b := a.cfg.Providers.Breaker
	return resilience.BreakerConfig{
		Threshold: b.MaxFailures,
		Cooldown:  b.ResetTimeout,
		Probes:    b.HalfOpenMax,
		OnTransition: func(name string, _, to resilience.State) {
			a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	}
}

// initBackends puts every configured backend behind a breaker so a failing
// backend is skipped while its breaker is open.
func (a *App) initBackends(b *Backends) {
	p := a.cfg.Providers
	cfg := a.breakerConfig()

	a.transcribe = resilience.NewTranscribeFallback(cfg, "transcribe/"+p.Transcribe.Name, b.Transcribe)
	if b.TranscribeFallback != nil {
		a.transcribe.AddFallback("transcribe/"+p.TranscribeFallback.Name, b.TranscribeFallback)
	}
	if b.Sentiment != nil {
		a.sentiment = resilience.NewSentimentFallback(cfg, "sentiment/"+p.Sentiment.Name, b.Sentiment)
	}
	if b.Voiceprint != nil {
		a.voiceprint = resilience.NewVoiceprintFallback(cfg, "voiceprint/"+p.Voiceprint.Name, b.Voiceprint)
	}
}

// initStore connects the PostgreSQL store when a DSN is configured, or uses
// an injected store. Without either, results are not persisted.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil && a.cfg.Store.PostgresDSN != "" {
		pg, err := postgres.NewStore(ctx, a.cfg.Store.PostgresDSN, a.cfg.Store.EmbeddingDimensions)
		if err != nil {
			return err
		}
		a.store = pg
		a.closers = append(a.closers, func() error {
			pg.Close()
			return nil
		})
	}
	if a.store == nil {
		slog.Info("no result store configured; results are not persisted")
		return nil
	}
	a.guard = sink.NewGuard(sink.Config{Store: a.store, Metrics: a.metrics})
	return nil
}

func (a *App) initSessions() {
	mem := a.cfg.Memory
	tcfg := session.TrackerConfig{
		Speaker: speaker.Config{
			MergeThreshold: mem.MergeSimilarityThreshold,
			DecayFactor:    mem.TemporalDecayFactor,
		},
		IdleTimeout: a.cfg.Server.SessionIdleTimeout,
		Metrics:     a.metrics,
		Now:         a.now,
	}
	if a.guard != nil {
		tcfg.OnClose = a.guard.SnapshotSpeakers
	}
	a.tracker = session.NewTracker(tcfg)

	a.governor = governor.New(governor.Config{
		Sessions:           a.tracker,
		MaxSpeakers:        mem.MaxSpeakers,
		InactiveThreshold:  mem.InactiveThreshold(),
		MemoryThreshold:    mem.MemoryThreshold(),
		Interval:           mem.SweepInterval,
		Probe:              a.probe,
		MaxMemoryEvictions: mem.MaxGlobalEvictions,
		Metrics:            a.metrics,
		Now:                a.now,
	})
}

func (a *App) initPipeline() error {
	b := pipeline.Backends{Transcriber: a.transcribe}
	// Assign only non-nil values so the interfaces stay nil when unset.
	if a.sentiment != nil {
		b.Sentiment = a.sentiment
	}
	if a.voiceprint != nil {
		b.Voiceprint = a.voiceprint
	}

	p, err := pipeline.New(b, pipeline.Config{
		StageTimeout:  a.cfg.Pipeline.StageTimeout,
		SuppressEmpty: a.cfg.Pipeline.SuppressEmptyResults(),
		Metrics:       a.metrics,
		Now:           a.now,
	})
	if err != nil {
		return err
	}
	a.pipeline = p

	gcfg := gateway.Config{
		Tracker:             a.tracker,
		Pipeline:            p,
		SampleRate:          a.cfg.Audio.SampleRate,
		TelephonyEncoding:   a.cfg.Telephony.Encoding,
		TelephonySampleRate: a.cfg.Telephony.SampleRate,
		QueueSize:           a.cfg.Pipeline.QueueSize,
		MaxMessageBytes:     a.cfg.Pipeline.MaxChunkBytes,
		MaxDecodeFailures:   a.cfg.Pipeline.MaxDecodeFailures,
		OriginPatterns:      a.cfg.Server.OriginPatterns,
		Metrics:             a.metrics,
		Now:                 a.now,
	}
	if a.guard != nil {
		gcfg.Sink = a.guard
	}
	gw, err := gateway.New(gcfg)
	if err != nil {
		return err
	}
	a.gateway = gw
	return nil
}

// initHTTP builds the mux: stream and call-control routes, health probes,
// the store read API, and the Prometheus scrape endpoint.
func (a *App) initHTTP() {
	checkers := []health.Checker{
		health.BreakerCheck("transcribe", a.transcribe.States),
	}
	if a.sentiment != nil {
		checkers = append(checkers, health.BreakerCheck("sentiment", a.sentiment.States))
	}
	if a.voiceprint != nil {
		checkers = append(checkers, health.BreakerCheck("voiceprint", a.voiceprint.States))
	}
	if a.guard != nil {
		checkers = append(checkers, health.Checker{Name: "store", Check: a.guard.Check})
	}
	a.health = health.New(checkers...)

	mux := http.NewServeMux()
	a.gateway.Register(mux)
	a.health.Register(mux)
	if a.store != nil {
		sink.NewReader(a.store).Register(mux)
	}
	mux.Handle("GET /metrics", a.metricsHandler)

	a.handler = observe.Middleware(a.metrics)(mux)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Tracker returns the session tracker.
func (a *App) Tracker() *session.Tracker { return a.tracker }

// Governor returns the memory governor.
func (a *App) Governor() *governor.Governor { return a.governor }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the background loops and serves HTTP on the configured address
// until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is [App.Run] on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.tracker.Start(ctx)
	a.governor.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.shutdown(shutdownCtx, srv)
	})
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// shutdown drains the service: readiness fails, every session is closed with
// a normal close frame, in-flight requests finish, then closers run.
func (a *App) shutdown(ctx context.Context, srv *http.Server) error {
	a.health.SetDraining(true)
	a.tracker.CloseAll(ctx)

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Shutdown stops the background loops, closes every session and runs the
// closers. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.tracker.Len(), "closers", len(a.closers))

		a.governor.Stop()
		a.tracker.Stop()
		a.tracker.CloseAll(ctx)

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
