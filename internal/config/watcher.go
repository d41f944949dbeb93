// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"encoding/json"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/rampart/internal/logging"
)

// debounceDelay batches the editor write-rename-chmod bursts into one
// reload.
const debounceDelay = 250 * time.Millisecond

// Watcher hot-reloads the config file on filesystem change or SIGHUP.
// A reload that fails to parse or validate keeps the running config.
type Watcher struct {
	path   string
	logger *logging.Logger

	mu        sync.RWMutex
	current   *Config
	onReload  []func(*Config)
	debounce  *time.Timer

	fsw     *fsnotify.Watcher
	sighup  chan os.Signal
	done    chan struct{}
	stopped chan struct{}
}

// NewWatcher builds a watcher around an already-loaded config.
func NewWatcher(path string, initial *Config, logger *logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Watcher{
		path:    path,
		logger:  logger.WithComponent("config"),
		current: initial,
		sighup:  make(chan os.Signal, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Current returns the running config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnReload registers a callback fired after each successful reload.
// Register before Start.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	w.onReload = append(w.onReload, fn)
	w.mu.Unlock()
}

// Start begins watching the config file's directory and SIGHUP.
// Watching the directory instead of the file survives the
// rename-over-it that editors and config management tools do.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw
	signal.Notify(w.sighup, syscall.SIGHUP)

	go w.loop()
	return nil
}

// Stop halts the watcher.
func (w *Watcher) Stop() {
	close(w.done)
	signal.Stop(w.sighup)
	if w.fsw != nil {
		w.fsw.Close()
	}
	<-w.stopped
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.done:
			return
		case <-w.sighup:
			w.logger.Info("SIGHUP received, reloading config")
			w.Reload()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.mu.Lock()
			if w.debounce != nil {
				w.debounce.Stop()
			}
			w.debounce = time.AfterFunc(debounceDelay, func() { w.Reload() })
			w.mu.Unlock()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Config watcher error")
		}
	}
}

// Reload re-reads the file, logs a unified diff of what changed, and
// fires the reload callbacks. Errors keep the running config.
func (w *Watcher) Reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.WithError(err).Error("Config reload failed, keeping running config")
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	callbacks := make([]func(*Config), len(w.onReload))
	copy(callbacks, w.onReload)
	w.mu.Unlock()

	if diff := diffConfigs(prev, next); diff != "" {
		w.logger.Info("Config reloaded", "diff", diff)
	} else {
		w.logger.Info("Config reloaded, no effective changes")
	}

	for _, fn := range callbacks {
		fn(next)
	}
}

// diffConfigs renders the change as a unified diff of the canonical
// JSON forms. Secrets are masked by their SecureString marshaling.
func diffConfigs(prev, next *Config) string {
	a, err := json.MarshalIndent(prev, "", "  ")
	if err != nil {
		return ""
	}
	b, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return ""
	}
	text, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(a)),
		B:        difflib.SplitLines(string(b)),
		FromFile: "running",
		ToFile:   "reloaded",
		Context:  2,
	})
	return text
}
