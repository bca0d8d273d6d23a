package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"authrisk/internal/logger"
)

// UpdateCallback receives a validated configuration after the file changes
type UpdateCallback func(*Config) error

// Watcher polls the config file and re-applies it when its mtime moves forward
type Watcher struct {
	path          string
	env           *EnvManager
	checkInterval time.Duration
	lastModTime   time.Time
	callbacks     []UpdateCallback
	log           logger.Logger
	mu            sync.RWMutex
	running       bool
}

// NewWatcher creates a new configuration watcher
func NewWatcher(path string, env *EnvManager, checkInterval time.Duration, log logger.Logger) *Watcher {
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	w := &Watcher{
		path:          path,
		env:           env,
		checkInterval: checkInterval,
		log:           log.WithField("component", "config_watcher"),
	}
	if stat, err := os.Stat(path); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w
}

// AddCallback adds a callback for configuration updates
func (w *Watcher) AddCallback(callback UpdateCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start blocks until ctx is cancelled
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.log.Info("Starting configuration watcher", "path", w.path)

	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.CheckAndReload(); err != nil {
				w.log.Warn("Configuration reload failed", "error", err)
			}
		}
	}
}

// CheckAndReload reloads the file if it changed. It reports whether callbacks ran.
// An invalid file is rejected and the previous configuration stays in effect.
func (w *Watcher) CheckAndReload() (bool, error) {
	stat, err := os.Stat(w.path)
	if err != nil {
		return false, fmt.Errorf("failed to stat config file: %w", err)
	}

	modTime := stat.ModTime()
	if !modTime.After(w.lastModTime) {
		return false, nil
	}

	newConfig, err := LoadWithEnv(w.path, w.env)
	if err != nil {
		return false, fmt.Errorf("invalid configuration: %w", err)
	}
	w.lastModTime = modTime

	w.mu.RLock()
	callbacks := make([]UpdateCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback(newConfig); err != nil {
			w.log.Warn("Configuration update callback error", "error", err)
		}
	}

	w.log.Info("Configuration reloaded", "path", w.path)
	return true, nil
}

// IsRunning returns whether the watcher is currently running
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}
