package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce is how long to wait for more writes before reloading.
// Editors and atomic-save tools produce a burst of events per save.
const reloadDebounce = 500 * time.Millisecond

// ReloadFunc produces a fresh Config, typically the same loader invocation
// that produced the boot-time config.
type ReloadFunc func() (*Config, error)

// Watcher re-reads configuration when the watched file changes and hands
// each valid result to the apply callback. Unreadable or invalid configs
// are logged and skipped; the previous config stays in effect.
type Watcher struct {
	path     string
	reload   ReloadFunc
	apply    func(*Config)
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	pendingMu sync.Mutex
	pending   bool
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string, reload ReloadFunc, apply func(*Config), logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		reload:   reload,
		apply:    apply,
		logger:   logger,
		watcher:  fsw,
		debounce: reloadDebounce,
	}, nil
}

// Start begins watching until ctx is cancelled. The parent directory is
// watched rather than the file itself so atomic saves (write temp file,
// rename over original) keep being seen.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	go w.processEvents(ctx)

	w.logger.Info("Config watcher started", "path", w.path)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// processEvents handles fsnotify events with debouncing.
func (w *Watcher) processEvents(ctx context.Context) {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

// handleFSEvent marks a reload pending when the watched file changed.
func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != filepath.Base(w.path) {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	w.pendingMu.Lock()
	w.pending = true
	w.pendingMu.Unlock()

	w.logger.Debug("Config change detected", "path", event.Name, "op", event.Op.String())
}

// flushPending reloads at most once per burst of changes.
func (w *Watcher) flushPending() {
	w.pendingMu.Lock()
	pending := w.pending
	w.pending = false
	w.pendingMu.Unlock()

	if !pending {
		return
	}

	cfg, err := w.reload()
	if err != nil {
		w.logger.Warn("Config reload failed, keeping previous config",
			"path", w.path,
			"error", err)
		return
	}

	w.logger.Info("Config reloaded", "path", w.path)
	w.apply(cfg)
}
