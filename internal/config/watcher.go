package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file when it changes and hands the result to
// OnChange. Invalid files are reported and the previous config stays in
// effect.
type Watcher struct {
	path       string
	watcher    *fsnotify.Watcher
	debounce   time.Duration
	onChange   func(cfg *Config, err error)
	running    atomic.Bool
	reloadChan chan struct{}
	stats      WatcherStats
}

// WatcherStats tracks reload statistics.
type WatcherStats struct {
	mu             sync.RWMutex
	ReloadsTotal   int64     `json:"reloads_total"`
	ReloadsSuccess int64     `json:"reloads_success"`
	ReloadsFailed  int64     `json:"reloads_failed"`
	LastReload     time.Time `json:"last_reload,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorTime  time.Time `json:"last_error_time,omitempty"`
}

// WatcherConfig configures the config watcher.
type WatcherConfig struct {
	Path     string
	Debounce time.Duration // Debounce period for rapid changes
	OnChange func(cfg *Config, err error)
}

// NewWatcher creates a config watcher.
func NewWatcher(config WatcherConfig) (*Watcher, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if config.OnChange == nil {
		return nil, fmt.Errorf("change callback is required")
	}
	debounce := config.Debounce
	if debounce == 0 {
		debounce = 100 * time.Millisecond
	}
	abs, err := filepath.Abs(config.Path)
	if err != nil {
		return nil, fmt.Errorf("config path: %w", err)
	}
	return &Watcher{
		path:       abs,
		debounce:   debounce,
		onChange:   config.OnChange,
		reloadChan: make(chan struct{}, 1),
	}, nil
}

// Start begins watching. The directory is watched rather than the file
// so replace-by-rename saves are seen.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("watcher already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.running.Store(false)
		return fmt.Errorf("creating watcher: %w", err)
	}
	w.watcher = watcher

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		w.running.Store(false)
		return fmt.Errorf("watching directory: %w", err)
	}

	go w.processEvents(ctx)
	go w.processReloads(ctx)
	return nil
}

// processEvents handles fsnotify events.
func (w *Watcher) processEvents(ctx context.Context) {
	var pending time.Time
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.Now()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.recordError(fmt.Sprintf("watcher error: %v", err))

		case <-ticker.C:
			if !pending.IsZero() && time.Since(pending) >= w.debounce {
				pending = time.Time{}
				select {
				case w.reloadChan <- struct{}{}:
				default:
					// A reload is already queued.
				}
			}

		case <-ctx.Done():
			return
		}
	}
}

// processReloads handles reload requests.
func (w *Watcher) processReloads(ctx context.Context) {
	for {
		select {
		case <-w.reloadChan:
			w.handleReload()
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleReload() {
	w.stats.mu.Lock()
	w.stats.ReloadsTotal++
	w.stats.mu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		w.recordError(fmt.Sprintf("reload %s: %v", w.path, err))
		w.onChange(nil, err)
		return
	}

	w.stats.mu.Lock()
	w.stats.ReloadsSuccess++
	w.stats.LastReload = time.Now()
	w.stats.mu.Unlock()
	w.onChange(cfg, nil)
}

// recordError records an error in stats.
func (w *Watcher) recordError(err string) {
	w.stats.mu.Lock()
	w.stats.ReloadsFailed++
	w.stats.LastError = err
	w.stats.LastErrorTime = time.Now()
	w.stats.mu.Unlock()
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

// Stats returns the current watcher statistics.
func (w *Watcher) Stats() WatcherStats {
	w.stats.mu.RLock()
	defer w.stats.mu.RUnlock()
	return WatcherStats{
		ReloadsTotal:   w.stats.ReloadsTotal,
		ReloadsSuccess: w.stats.ReloadsSuccess,
		ReloadsFailed:  w.stats.ReloadsFailed,
		LastReload:     w.stats.LastReload,
		LastError:      w.stats.LastError,
		LastErrorTime:  w.stats.LastErrorTime,
	}
}

// TriggerReload queues a reload without waiting for a file event.
func (w *Watcher) TriggerReload() error {
	if !w.running.Load() {
		return fmt.Errorf("watcher not running")
	}
	select {
	case w.reloadChan <- struct{}{}:
	default:
	}
	return nil
}
