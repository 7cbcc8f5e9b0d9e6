// Package governor bounds the memory held by speaker registries.
//
// A [Governor] periodically sweeps every live session: profiles idle past the
// inactivity threshold are dropped, sessions over the speaker cap are trimmed
// from their least useful profiles, and when the process heap crosses the
// configured threshold (after a forced collection) a global pass evicts the
// least useful profiles across all sessions until the estimated excess is
// freed or the per-sweep eviction limit is reached.
//
// The governor is the only component that deletes speaker profiles. It goes
// through the registry's own methods, which take the same lock as
// identification, so a sweep never observes a half-applied update.
package governor

import (
	"cmp"
	"context"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/session"
	"github.com/MrWong99/earshot/internal/speaker"
)

const (
	defaultInterval           = 30 * time.Second
	defaultMaxMemoryEvictions = 32
)

// Eviction reasons used in reports, logs, and metric attributes.
const (
	ReasonIdle   = "idle"
	ReasonCap    = "cap"
	ReasonMemory = "memory"
)

// MemoryProbe reports the bytes of memory the process currently holds.
type MemoryProbe func() uint64

// HeapInUse is the default [MemoryProbe]. It reads the Go runtime's in-use
// heap spans.
func HeapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

// SessionSource lists the sessions to sweep. [*session.Tracker] satisfies it.
type SessionSource interface {
	Sessions() []*session.Session
}

// Config configures a [Governor].
type Config struct {
	// Sessions provides the live sessions on each sweep.
	Sessions SessionSource

	// MaxSpeakers caps the profiles per session. Zero or negative disables
	// the cap.
	MaxSpeakers int

	// InactiveThreshold evicts profiles whose LastSeen is older than this.
	// Zero disables idle eviction.
	InactiveThreshold time.Duration

	// MemoryThreshold in bytes triggers the global pass. Zero disables it.
	MemoryThreshold uint64

	// Interval is the sweep period. Defaults to 30 seconds.
	Interval time.Duration

	// Probe measures process memory. Defaults to [HeapInUse].
	Probe MemoryProbe

	// Reclaim runs before the global pass is committed to, so garbage is not
	// mistaken for live speaker state. Defaults to runtime.GC.
	Reclaim func()

	// MaxMemoryEvictions bounds the profiles the global pass may evict in a
	// single sweep. Defaults to 32.
	MaxMemoryEvictions int

	// Metrics receives eviction counts and sweep durations. Optional.
	Metrics *observe.Metrics

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// SweepReport summarises one sweep.
type SweepReport struct {
	// Sessions is the number of sessions visited.
	Sessions int

	// Idle, Cap, and Memory count profiles evicted by each pass.
	Idle   int
	Cap    int
	Memory int

	// MemoryInUse is the probe reading that decided the global pass, taken
	// after Reclaim when the first reading was over the threshold. It is 0
	// when the pass is disabled.
	MemoryInUse uint64

	// FreedEstimate is the estimated number of bytes released by the global
	// pass.
	FreedEstimate int
}

// Total returns the number of profiles evicted across all passes.
func (r SweepReport) Total() int {
	return r.Idle + r.Cap + r.Memory
}

// Governor runs eviction sweeps. All methods are safe for concurrent use;
// concurrent sweeps are serialised.
type Governor struct {
	cfg Config

	mu       sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Governor with the given configuration.
func New(cfg Config) *Governor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Probe == nil {
		cfg.Probe = HeapInUse
	}
	if cfg.Reclaim == nil {
		cfg.Reclaim = runtime.GC
	}
	if cfg.MaxMemoryEvictions <= 0 {
		cfg.MaxMemoryEvictions = defaultMaxMemoryEvictions
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Governor{
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Start begins periodic sweeps in a background goroutine. The goroutine runs
// until [Governor.Stop] is called or ctx is cancelled.
func (g *Governor) Start(ctx context.Context) {
	go g.loop(ctx)
}

// Stop halts the sweep loop. Safe to call multiple times.
func (g *Governor) Stop() {
	g.stopOnce.Do(func() {
		close(g.done)
	})
}

func (g *Governor) loop(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.done:
			return
		case <-ticker.C:
			g.Sweep(ctx, g.cfg.Now())
		}
	}
}

// Sweep runs the idle, cap, and memory passes once and reports what was
// evicted. Sessions closed while the sweep runs are skipped.
func (g *Governor) Sweep(ctx context.Context, now time.Time) SweepReport {
	g.mu.Lock()
	defer g.mu.Unlock()

	start := time.Now()
	sessions := g.cfg.Sessions.Sessions()
	rep := SweepReport{Sessions: len(sessions)}

	for _, s := range sessions {
		if g.cfg.InactiveThreshold > 0 {
			evicted := s.Registry.EvictIdle(now, g.cfg.InactiveThreshold)
			rep.Idle += len(evicted)
			g.logEvicted(s, ReasonIdle, evicted)
		}
		if g.cfg.MaxSpeakers > 0 {
			evicted := s.Registry.EvictToCap(g.cfg.MaxSpeakers)
			rep.Cap += len(evicted)
			g.logEvicted(s, ReasonCap, evicted)
		}
	}

	if g.cfg.MemoryThreshold > 0 {
		rep.MemoryInUse = g.cfg.Probe()
		if rep.MemoryInUse > g.cfg.MemoryThreshold {
			g.cfg.Reclaim()
			rep.MemoryInUse = g.cfg.Probe()
		}
		if rep.MemoryInUse > g.cfg.MemoryThreshold {
			excess := rep.MemoryInUse - g.cfg.MemoryThreshold
			slog.Warn("memory threshold exceeded, evicting speakers globally",
				"in_use_bytes", rep.MemoryInUse,
				"threshold_bytes", g.cfg.MemoryThreshold,
			)
			rep.Memory, rep.FreedEstimate = g.globalPass(sessions, excess)
			if uint64(rep.FreedEstimate) < excess {
				slog.Info("global eviction limit reached before the excess was covered",
					"evicted", rep.Memory,
					"freed_estimate_bytes", rep.FreedEstimate,
					"excess_bytes", excess,
				)
			}
		}
	}

	if m := g.cfg.Metrics; m != nil {
		m.RecordEvictions(ctx, ReasonIdle, rep.Idle)
		m.RecordEvictions(ctx, ReasonCap, rep.Cap)
		m.RecordEvictions(ctx, ReasonMemory, rep.Memory)
		m.SweepDuration.Record(ctx, time.Since(start).Seconds())
	}
	slog.Debug("memory sweep finished",
		"sessions", rep.Sessions,
		"idle", rep.Idle,
		"cap", rep.Cap,
		"memory", rep.Memory,
		"duration", time.Since(start),
	)
	return rep
}

type candidate struct {
	sess    *session.Session
	profile speaker.Profile
}

// globalPass evicts profiles across all sessions, least useful first, until
// the estimated freed bytes cover excess, the per-sweep limit is reached or
// candidates run out.
func (g *Governor) globalPass(sessions []*session.Session, excess uint64) (evicted, freed int) {
	var cands []candidate
	for _, s := range sessions {
		for _, p := range s.Registry.Profiles() {
			cands = append(cands, candidate{sess: s, profile: p})
		}
	}
	slices.SortFunc(cands, func(a, b candidate) int {
		if c := speaker.EvictionOrder(a.profile, b.profile); c != 0 {
			return c
		}
		return cmp.Compare(a.sess.ID, b.sess.ID)
	})

	for _, c := range cands {
		if uint64(freed) >= excess || evicted >= g.cfg.MaxMemoryEvictions {
			break
		}
		for _, p := range c.sess.Registry.Evict(c.profile.ID) {
			evicted++
			freed += p.SizeBytes()
			g.logEvicted(c.sess, ReasonMemory, []speaker.Profile{p})
		}
	}
	return evicted, freed
}

func (g *Governor) logEvicted(s *session.Session, reason string, evicted []speaker.Profile) {
	for _, p := range evicted {
		slog.Debug("speaker evicted",
			"session_id", s.ID,
			"speaker_id", p.ID,
			"reason", reason,
			"updates", p.UpdateCount,
			"avg_quality", p.AverageQuality(),
		)
	}
}
