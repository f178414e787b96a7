package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/TheEntropyCollective/noiseguard/pkg/common/logging"
)

// debounceDelay coalesces the write bursts editors and atomic-save tools
// produce into one reload.
const debounceDelay = 250 * time.Millisecond

// ReloadFunc receives the freshly loaded configuration after a change to
// the watched file.
type ReloadFunc func(*Config)

// Watcher reloads the configuration file on change and pushes the result
// to a callback, giving all three tunable surfaces (budget, anomaly,
// reputation) hot reload without a restart.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onReload ReloadFunc
	logger   *logging.Logger

	debounce *time.Timer
	mu       sync.Mutex
	done     chan struct{}
}

// NewWatcher starts watching the config file's directory. Watching the
// directory instead of the file survives the rename-over-replace pattern
// most editors and config management tools use.
func NewWatcher(path string, onReload ReloadFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		path:     path,
		watcher:  fsw,
		onReload: onReload,
		logger:   logging.GetGlobalLogger().WithComponent("config"),
		done:     make(chan struct{}),
	}
	go w.eventLoop()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	config, err := LoadConfig(w.path)
	if err != nil {
		// Keep running on the previous config; a half-written or invalid
		// file must not take the pipeline down.
		w.logger.Error("config reload failed, keeping previous config", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	w.logger.Info("config reloaded", nil)
	w.onReload(config)
}
