package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchRoutesFile reloads the routing table whenever path changes. A file that
// fails to parse leaves the previous table in place. Blocks until ctx is done.
func WatchRoutesFile(ctx context.Context, path string, routes *Routes, logger *slog.Logger, m *Metrics) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create routes watcher: %w", err)
	}
	defer watcher.Close()

	// watch the directory: editors and config mounts replace the file by rename
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch routes dir: %w", err)
	}
	clean := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != clean || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			table, err := LoadRoutesFile(path)
			if err != nil {
				logger.ErrorContext(ctx, "routes reload rejected, keeping previous table",
					"path", path,
					"error", err,
				)
				m.RecordReload(false)
				continue
			}
			routes.Swap(table)
			m.RecordReload(true)
			logger.InfoContext(ctx, "routes reloaded",
				"path", path,
				"routes", len(table.routes),
			)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WarnContext(ctx, "routes watcher error", "error", err)
		}
	}
}
