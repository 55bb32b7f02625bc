package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc is invoked with the freshly reloaded configuration whenever
// Watcher observes a change to the watched file.
type ReloadFunc func(*Config)

// Watcher watches wingman.config.json for changes and reloads it,
// debouncing rapid successive writes from an editor or sync tool.
type Watcher struct {
	workspaceDir string
	path         string
	watcher      *fsnotify.Watcher

	mu       sync.Mutex
	onReload ReloadFunc
	timer    *time.Timer
}

// NewWatcher starts watching the workspace's config file. The file need
// not exist yet; fsnotify.Add is retried against its parent directory so
// a later create is still observed.
func NewWatcher(workspaceDir string, onReload ReloadFunc) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	path := WorkspaceConfigPath(workspaceDir)
	target := path
	if _, statErr := os.Stat(path); statErr != nil {
		target = filepath.Dir(path)
	}
	if err := fw.Add(target); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{workspaceDir: workspaceDir, path: path, watcher: fw, onReload: onReload}
	go w.loop()
	return w, nil
}

// Reload re-reads the config file immediately and invokes the registered
// callback, ignoring Load errors (the prior config stays in effect) but
// logging them.
func (w *Watcher) Reload() {
	cfg, err := Load(w.workspaceDir)
	if err != nil {
		slog.Warn("config reload failed", "error", err)
		return
	}
	w.onReload(cfg)
}

func (w *Watcher) loop() {
	const debounce = 300 * time.Millisecond
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.scheduleReload(debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) scheduleReload(after time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(after, w.Reload)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
