package service

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/MCP-Bridge/mcpbridge/internal/config"
)

// reloadDebounce coalesces the burst of filesystem events editors emit
// when saving. Events inside the window collapse into one reload.
const reloadDebounce = time.Second

// ReloadWatcher watches the upstream config file and drives the
// supervisor's diff reload when it changes. Watching the parent
// directory survives the rename-over-save pattern most editors use.
type ReloadWatcher struct {
	path       string
	supervisor *Supervisor
	logger     *slog.Logger

	mu      sync.Mutex
	pending *time.Timer
}

// NewReloadWatcher creates a watcher for the given config file path.
func NewReloadWatcher(path string, supervisor *Supervisor, logger *slog.Logger) *ReloadWatcher {
	return &ReloadWatcher{path: path, supervisor: supervisor, logger: logger}
}

// Run blocks watching for config changes until ctx is cancelled.
func (w *ReloadWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	w.logger.Info("watching config for changes", "path", w.path)

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			w.cancelPending()
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

// scheduleReload arms the debounce timer, resetting it if already armed.
func (w *ReloadWatcher) scheduleReload(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Reset(reloadDebounce)
		return
	}
	w.pending = time.AfterFunc(reloadDebounce, func() {
		w.mu.Lock()
		w.pending = nil
		w.mu.Unlock()
		w.reload(ctx)
	})
}

func (w *ReloadWatcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
}

// reload parses the changed file and applies it. A file that fails to
// parse or validate leaves the running config untouched.
func (w *ReloadWatcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	cfg, err := config.LoadFile(w.path)
	if err != nil {
		w.logger.Error("config change rejected", "path", w.path, "error", err)
		return
	}
	if err := w.supervisor.DiffReload(ctx, cfg); err != nil {
		w.logger.Error("config reload failed", "error", err)
	}
}
