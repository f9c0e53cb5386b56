package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher invokes registered hooks when a config file changes on disk.
// It watches the file's directory rather than the file itself: editors
// and config rollouts commonly replace the file (write to temp, then
// rename), which drops a watch placed on the inode.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu    sync.Mutex
	hooks []func()
	timer *time.Timer

	stopCh   chan struct{}
	doneCh   chan struct{}
	debounce time.Duration
}

// NewWatcher prepares a watcher for the given file. Start must be
// called before any events are delivered.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Watcher{
		path:     filepath.Clean(path),
		watcher:  fw,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		debounce: 500 * time.Millisecond,
	}, nil
}

// OnChange registers a hook to run after the file changes. Hooks run
// sequentially on the watch goroutine, debounced so a burst of write
// events triggers one reload.
func (w *Watcher) OnChange(hook func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hooks = append(w.hooks, hook)
}

// Start begins watching. It returns an error if the directory holding
// the file cannot be watched.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	go w.watchLoop()
	w.logger.Info("Watching config file for changes",
		zap.String("path", w.path),
	)
	return nil
}

// Stop shuts the watcher down and waits for the loop to exit.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
	<-w.doneCh

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

func (w *Watcher) watchLoop() {
	defer close(w.doneCh)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Config watcher panic", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	switch {
	case event.Op&fsnotify.Write == fsnotify.Write:
	case event.Op&fsnotify.Create == fsnotify.Create:
	case event.Op&fsnotify.Rename == fsnotify.Rename:
	default:
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	hooks := make([]func(), len(w.hooks))
	copy(hooks, w.hooks)
	w.mu.Unlock()

	w.logger.Info("Config file changed, reloading", zap.String("path", w.path))
	for _, hook := range hooks {
		hook()
	}
}
