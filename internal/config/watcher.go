package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ChangeFunc receives the previous and the newly loaded config together with
// their [Diff].
type ChangeFunc func(old, new *Config, d ConfigDiff)

// DefaultWatchInterval is how often [Watcher.Run] polls the file.
const DefaultWatchInterval = 5 * time.Second

// snapshot is one successfully loaded version of the file.
type snapshot struct {
	cfg   *Config
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher keeps the config at a path current. [Watcher.Run] polls the file
// and [Watcher.Reload] rereads it on demand. Edits that only touch comments
// or formatting are not reported, and a file that fails to load or validate
// leaves the previous config in place.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	mu   sync.Mutex // serialises reloads and guards last
	last snapshot
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval used by [Watcher.Run].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// OnChange registers fn to run after every reload that changed the config.
func OnChange(fn ChangeFunc) WatcherOption {
	return func(w *Watcher) { w.onChange = fn }
}

// NewWatcher loads the config at path. Nothing is polled until
// [Watcher.Run] is called.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultWatchInterval}
	for _, opt := range opts {
		opt(w)
	}
	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	w.last = snap
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.cfg
}

// Run polls the file until ctx is done. Files whose mtime did not move are
// not reread.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.reload(false); err != nil {
				slog.Warn("config reload failed, keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// Reload rereads the file now and reports what changed. On error the
// previous config stays current.
func (w *Watcher) Reload() (ConfigDiff, error) {
	return w.reload(true)
}

func (w *Watcher) reload(force bool) (ConfigDiff, error) {
	w.mu.Lock()
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			w.mu.Unlock()
			return ConfigDiff{}, err
		}
		if info.ModTime().Equal(w.last.mtime) {
			w.mu.Unlock()
			return ConfigDiff{}, nil
		}
	}

	snap, err := w.read()
	if err != nil {
		w.mu.Unlock()
		return ConfigDiff{}, err
	}
	prev := w.last
	w.last = snap
	w.mu.Unlock()

	if snap.sum == prev.sum {
		return ConfigDiff{}, nil
	}
	d := Diff(prev.cfg, snap.cfg)
	if !d.Changed() {
		return d, nil
	}
	slog.Info("configuration changed",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(prev.cfg, snap.cfg, d)
	}
	return d, nil
}

// read loads and validates the file without touching w.last.
func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
