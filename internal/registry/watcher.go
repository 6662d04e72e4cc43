package registry

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentrix/agentrix/internal/common/logger"
)

// reloadDebounce waits for editor write bursts to settle before reloading.
const reloadDebounce = 300 * time.Millisecond

// Watcher hot-reloads the roster file when it changes on disk.
type Watcher struct {
	registry *Registry
	path     string
	log      *logger.Logger
	fsw      *fsnotify.Watcher
}

// NewWatcher watches the roster file's directory; watching the directory
// rather than the file survives atomic rename-on-save.
func NewWatcher(registry *Registry, path string, log *logger.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		registry: registry,
		path:     path,
		log:      log,
		fsw:      fsw,
	}, nil
}

// Run processes file events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(reloadDebounce)
			}
			fire = debounce.C

		case <-fire:
			fire = nil
			n, err := w.registry.LoadRoster(w.path)
			if err != nil {
				w.log.WithError(err).Warn("roster reload failed, keeping previous roster")
				continue
			}
			w.log.Info("roster reloaded", zap.Int("agents", n))

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("roster watcher error")
		}
	}
}
