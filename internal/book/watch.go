package book

import (
	"context"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/go-homedir"
)

// Watch calls fn whenever the file at path is written or recreated, until
// ctx is done. Editors often replace files, so the parent directory is
// watched rather than the file itself.
func Watch(ctx context.Context, path string, fn func()) error {
	path, err := homedir.Expand(path)
	if err != nil {
		return err
	}
	path, err = filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	log.Debug("Book: watching", "dir", dir, "file", path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			log.Debug("Book: changed", "file", event.Name, "event", event.Op)
			fn()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Debug("Book: watch error", "dir", dir, "error", err)
		}
	}
}
