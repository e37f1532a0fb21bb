package governance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long the reloader waits after the last write.
const DefaultDebounce = 500 * time.Millisecond

// Reloader watches the registry document and swaps it into the engine on change.
type Reloader struct {
	watcher  *fsnotify.Watcher
	engine   *Engine
	path     string
	debounce time.Duration
	logger   *zap.Logger

	// onReload is invoked after every reload attempt; used by tests.
	onReload func(error)
}

// NewReloader creates a watcher for the registry document at path. The
// parent directory is watched so editors that replace the file by rename
// are still seen.
func NewReloader(engine *Engine, path string, logger *zap.Logger) (*Reloader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("governance: watch registry: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", path, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reloader{
		watcher:  watcher,
		engine:   engine,
		path:     filepath.Clean(path),
		debounce: DefaultDebounce,
		logger:   logger,
	}, nil
}

// Reload reads the document from disk and swaps it in. A document that
// fails to parse or validate leaves the previous one active.
func (r *Reloader) Reload() error {
	doc, err := LoadDocument(r.path)
	if err != nil {
		return err
	}
	return r.engine.Swap(doc)
}

// Run watches for changes and reloads. Blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(r.debounce, func() {
					err := r.Reload()
					if err != nil {
						r.logger.Error("registry hot-reload failed, keeping previous document", zap.Error(err))
					} else {
						r.logger.Info("registry hot-reloaded", zap.String("path", r.path))
					}
					if r.onReload != nil {
						r.onReload(err)
					}
				})
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}
