package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling period of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// Watcher polls a config file and calls onChange with the previous and new
// configuration whenever the file content changes and still validates.
// Invalid edits are logged and ignored; the last good config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	onError  func(error)
	logger   *slog.Logger

	mu        sync.Mutex
	current   *Config
	lastMtime time.Time
	lastHash  [sha256.Size]byte
	reloads   int

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Defaults to [slog.Default].
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithErrorHandler registers fn to receive reload failures.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher loads path and starts polling it in the background.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, hash, mtime, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.lastHash = hash
	w.lastMtime = mtime

	w.wg.Add(1)
	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reloads returns how many times a changed config was applied.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Stop ends polling and waits for the poll goroutine. It is idempotent and
// must not be called from the onChange callback.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *Watcher) poll() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.fail(fmt.Errorf("config: stat %q: %w", w.path, err))
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.lastMtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, hash, mtime, err := w.loadAndHash()
	if err != nil {
		w.fail(err)
		return
	}

	w.mu.Lock()
	if hash == w.lastHash {
		// Touched, same content.
		w.lastMtime = mtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.lastHash = hash
	w.lastMtime = mtime
	w.reloads++
	w.mu.Unlock()

	w.logger.Info("config watcher: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

func (w *Watcher) fail(err error) {
	w.logger.Warn("config watcher: reload failed", "path", w.path, "err", err)
	if w.onError != nil {
		w.onError(err)
	}
}

// loadAndHash reads, parses and validates the file and returns it with its
// SHA-256 and modification time.
func (w *Watcher) loadAndHash() (*Config, [sha256.Size]byte, time.Time, error) {
	var zero [sha256.Size]byte

	info, err := os.Stat(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
