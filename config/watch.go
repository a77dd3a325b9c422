package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the configuration at path whenever it is written and passes
// every successfully parsed result to onChange. Invalid edits are logged and
// skipped. It blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files by renaming over them, which
	// drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to add %s to watcher: %w", path, err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			cfg, err := LoadFile(path)
			if err != nil {
				slog.Warn("Ignoring invalid configuration", slog.String("path", path), slog.Any("error", err))
				continue
			}
			slog.Info("Configuration reloaded", slog.String("path", path))
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
