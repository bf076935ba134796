package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"plugin-governor/internal/logging"
)

// DefaultDebounce coalesces the burst of events an editor produces on save
const DefaultDebounce = 200 * time.Millisecond

// PolicyWatcher reloads a YAML config file when it changes and hands the
// new configuration to onChange. Invalid files are logged and skipped.
type PolicyWatcher struct {
	path     string
	debounce time.Duration
	logger   logging.Logger
	onChange func(*Config)

	mu      sync.Mutex
	timer   *time.Timer
	reloads int
}

// NewPolicyWatcher creates a watcher for path
func NewPolicyWatcher(path string, debounce time.Duration, logger logging.Logger, onChange func(*Config)) *PolicyWatcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &PolicyWatcher{
		path:     path,
		debounce: debounce,
		logger:   logging.OrNoOp(logger).WithComponent("policy_watcher"),
		onChange: onChange,
	}
}

// Run watches until ctx is cancelled. The parent directory is watched so
// that editors replacing the file by rename are still seen.
func (w *PolicyWatcher) Run(ctx context.Context) error {
	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", w.path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	w.logger.Info("Watching config file", "path", abs)

	defer w.stopTimer()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("File watcher error", "error", err)
		}
	}
}

func (w *PolicyWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Reset(w.debounce)
		return
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *PolicyWatcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *PolicyWatcher) reload() {
	cfg, err := LoadFile(w.path)
	if err != nil {
		logging.LogError(w.logger, "Config reload failed, keeping current policy", err, "path", w.path)
		return
	}

	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()

	w.logger.Info("Config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Reloads returns how many successful reloads happened
func (w *PolicyWatcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}
