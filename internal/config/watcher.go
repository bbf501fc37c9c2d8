package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"emufleet/internal/logging"
)

// Watcher watches the GUI config file for changes and invokes a reload
// callback. The scheduler also re-reads config each iteration; the watcher
// exists so edits made between iterations shorten the reaction time and so
// the GUI sees validation errors immediately.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	path        string
	onChange    func(*GUIConfig)
	debounceDur time.Duration
	pending     map[string]time.Time
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a watcher for the given GUI config path. onChange is
// called with the freshly loaded config after each debounced change.
func NewWatcher(path string, onChange func(*GUIConfig)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fw,
		path:        path,
		onChange:    onChange,
		debounceDur: 500 * time.Millisecond, // Let rapid editor saves settle
		pending:     make(map[string]time.Time),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the watch loop runs in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory, not the file: editors replace files via rename
	// and the inode-level watch would go stale.
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		logging.Get(logging.CategoryConfig).Warn("config watch failed for %s: %v", dir, err)
	} else {
		logging.Get(logging.CategoryConfig).Info("watching config directory: %s", dir)
	}

	go w.loop(ctx)
	return nil
}

// Stop shuts the watcher down and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	log := logging.Get(logging.CategoryConfig)

	// Events are batched and the reload fires only after they settle past
	// the debounce window, so the read always sees the final write.
	settleTicker := time.NewTicker(100 * time.Millisecond)
	defer settleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
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
			w.mu.Lock()
			w.pending[event.Name] = time.Now()
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("config watcher error: %v", err)
		case <-settleTicker.C:
			if !w.takeSettled() {
				continue
			}
			cfg, err := LoadGUIConfig(w.path)
			if err != nil {
				log.Warn("config reload failed: %v", err)
				continue
			}
			log.Info("config reloaded: %d emulators enabled, max_concurrent=%d",
				len(cfg.Emulators.Enabled), cfg.Settings.MaxConcurrent)
			if w.onChange != nil {
				w.onChange(cfg)
			}
		}
	}
}

// takeSettled reports whether a pending change has sat past the debounce
// window, clearing it if so. Changes still inside the window stay pending.
func (w *Watcher) takeSettled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	settled := false
	for path, eventTime := range w.pending {
		if now.Sub(eventTime) >= w.debounceDur {
			delete(w.pending, path)
			settled = true
		}
	}
	return settled
}
