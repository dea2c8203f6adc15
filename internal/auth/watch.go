package auth

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch calls onChange whenever the credential file at path is written,
// created, renamed or removed, until ctx is done. The parent directory is
// watched so editors that replace the file atomically are still seen.
func Watch(ctx context.Context, path string, logger *zap.Logger, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	go func() {
		defer func() { _ = w.Close() }()
		const mask = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename
		for {
			select {
			case evt, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != filepath.Clean(path) || !evt.Has(mask) {
					continue
				}
				onChange()
			case werr, ok := <-w.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Warn("credential watcher error", zap.Error(werr))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
