package config

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"
	"time"
)

// Reload is one accepted change of the watched file. Diff lists the fields
// that can be applied to the running process.
type Reload struct {
	Old  *Config
	New  *Config
	Diff ConfigDiff
}

// WatcherStats counts what the watcher did since it started.
type WatcherStats struct {
	Reloads   int
	Rejected  int
	LastError error
	LastCheck time.Time
}

// fileState identifies one version of the config file. Size and mtime are
// compared first, the content hash only when they moved.
type fileState struct {
	size  int64
	mtime time.Time
	sum   [sha256.Size]byte
}

func (s fileState) sameStat(info os.FileInfo) bool {
	return s.size == info.Size() && s.mtime.Equal(info.ModTime())
}

// Watcher polls a YAML or TOML config file and hands every valid change to
// an apply function. Invalid edits are logged and counted; the last good
// config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	apply    func(Reload)
	log      *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	current *Config
	state   fileState
	stats   WatcherStats
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 2 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger used for reload and rejection messages.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and starts polling it. apply may be nil, in which
// case the watcher only keeps [Watcher.Current] up to date. apply is called
// from the polling goroutine and only when the diff has hot-reloadable
// changes.
func NewWatcher(path string, apply func(Reload), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 2 * time.Second,
		apply:    apply,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With("path", path)

	cfg, state, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current = cfg
	w.state = state

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Go(func() { w.loop(ctx) })
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stats returns a snapshot of the reload counters.
func (w *Watcher) Stats() WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Stop ends polling and waits for a running apply to return. Safe to call
// more than once.
func (w *Watcher) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if r, ok := w.poll(); ok && w.apply != nil {
				w.apply(r)
			}
		}
	}
}

// poll checks the file once. It reports a reload only for valid content
// that differs in a hot-reloadable field.
func (w *Watcher) poll() (Reload, bool) {
	info, err := os.Stat(w.path)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.LastCheck = time.Now()
	if err != nil {
		if !errors.Is(w.stats.LastError, os.ErrNotExist) || !errors.Is(err, os.ErrNotExist) {
			w.reject(err)
		}
		return Reload{}, false
	}
	if w.state.sameStat(info) {
		return Reload{}, false
	}

	cfg, state, err := w.read()
	if err != nil {
		// Remember the stat so a broken file is reported once per edit.
		w.state.size, w.state.mtime = info.Size(), info.ModTime()
		w.reject(err)
		return Reload{}, false
	}
	unchanged := state.sum == w.state.sum
	w.state = state
	if unchanged {
		return Reload{}, false
	}

	old := w.current
	w.current = cfg
	w.stats.Reloads++
	w.stats.LastError = nil

	d := Diff(old, cfg)
	if !d.Any() {
		if !reflect.DeepEqual(old, cfg) {
			w.log.Warn("config changed outside the hot-reload set, restart to apply")
		}
		return Reload{}, false
	}
	w.log.Info("config reloaded",
		"log_level", d.LogLevelChanged,
		"vocabulary", d.VocabularyChanged,
		"keywords", d.KeywordsChanged,
		"health", d.HealthChanged,
	)
	return Reload{Old: old, New: cfg, Diff: d}, true
}

// reject must be called with mu held.
func (w *Watcher) reject(err error) {
	w.stats.Rejected++
	w.stats.LastError = err
	if errors.Is(err, os.ErrNotExist) {
		w.log.Warn("config file missing, keeping last config")
		return
	}
	w.log.Warn("config reload rejected, keeping last config", "err", err)
}

func (w *Watcher) read() (*Config, fileState, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := DecodeBytes(data, FormatFor(w.path))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{size: info.Size(), mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
