package integrity

import (
	"context"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileProvider reads a monitored element's content from disk.
type FileProvider struct {
	Path string
}

// Content implements ContentProvider.
func (p *FileProvider) Content(_ context.Context) ([]byte, error) {
	return os.ReadFile(p.Path)
}

// Watcher triggers an immediate re-check of a file-backed element when its
// file changes, instead of waiting for the next periodic cycle.
type Watcher struct {
	monitor *Monitor
	watcher *fsnotify.Watcher
	paths   map[string]string // file path → element ID
	logger  *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewWatcher creates a watcher bound to the given monitor.
func NewWatcher(monitor *Monitor, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		monitor: monitor,
		watcher: fw,
		paths:   make(map[string]string),
		logger:  logger,
		stop:    make(chan struct{}),
	}, nil
}

// Watch starts watching path for the element with the given ID.
func (w *Watcher) Watch(elementID, path string) error {
	if err := w.watcher.Add(path); err != nil {
		return err
	}
	w.paths[path] = elementID
	return nil
}

// Start consumes filesystem events until Stop.
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				// Chmod is noise; content did not change.
				if ev.Op&fsnotify.Chmod == fsnotify.Chmod {
					continue
				}
				if id, ok := w.paths[ev.Name]; ok {
					w.logger.Debug("file changed, rechecking element",
						zap.String("element", id),
						zap.String("path", ev.Name),
					)
					w.monitor.CheckElement(ctx, id)
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("file watcher error", zap.Error(err))
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop closes the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
}
