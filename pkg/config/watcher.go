package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// FileWatcher invokes callbacks when watched files change. Parent
// directories are watched so that editors replacing a file by rename are
// still observed. Bursts of events are coalesced.
type FileWatcher struct {
	watcher   *fsnotify.Watcher
	callbacks map[string][]func()
	dirs      map[string]bool
	debounce  time.Duration
	logger    Logger
	mu        sync.RWMutex
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func NewFileWatcher(logger Logger) *FileWatcher {
	return &FileWatcher{
		callbacks: make(map[string][]func()),
		dirs:      make(map[string]bool),
		debounce:  defaultDebounce,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// SetDebounce must be called before Start.
func (w *FileWatcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounce = d
	w.mu.Unlock()
}

func (w *FileWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return errors.New("file watcher already running")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	w.watcher = watcher
	w.running = true

	for dir := range w.dirs {
		if err := watcher.Add(dir); err != nil {
			w.logger.Warn("failed to watch directory", "dir", dir, "error", err)
		}
	}

	go w.watchLoop()
	return nil
}

// Watch registers callback for path. It may be called before or after Start.
func (w *FileWatcher) Watch(path string, callback func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.callbacks[abs] = append(w.callbacks[abs], callback)
	dir := filepath.Dir(abs)
	if w.dirs[dir] {
		return nil
	}
	w.dirs[dir] = true
	if w.running {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	return nil
}

func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	watcher := w.watcher
	w.mu.Unlock()

	err := watcher.Close()
	<-w.doneCh
	return err
}

func (w *FileWatcher) watchLoop() {
	defer close(w.doneCh)

	var debounceTimer *time.Timer
	pendingPaths := make(map[string]bool)
	var debounceMutex sync.Mutex

	w.mu.RLock()
	debounce := w.debounce
	events := w.watcher.Events
	errs := w.watcher.Errors
	w.mu.RUnlock()

	fire := func() {
		debounceMutex.Lock()
		paths := make([]string, 0, len(pendingPaths))
		for path := range pendingPaths {
			paths = append(paths, path)
		}
		pendingPaths = make(map[string]bool)
		debounceTimer = nil
		debounceMutex.Unlock()

		w.mu.RLock()
		var callbacks []func()
		for _, path := range paths {
			callbacks = append(callbacks, w.callbacks[path]...)
		}
		w.mu.RUnlock()

		for _, cb := range callbacks {
			cb()
		}
	}

	for {
		select {
		case <-w.stopCh:
			debounceMutex.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceMutex.Unlock()
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Clean(event.Name)
			w.mu.RLock()
			_, exists := w.callbacks[name]
			w.mu.RUnlock()
			if !exists {
				continue
			}

			debounceMutex.Lock()
			pendingPaths[name] = true
			if debounceTimer == nil {
				debounceTimer = time.AfterFunc(debounce, fire)
			}
			debounceMutex.Unlock()
		case err, ok := <-errs:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", "error", err)
		}
	}
}
