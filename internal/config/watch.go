package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/strandlabs/tiller/internal/logging"
)

// Watch reloads the config whenever the file changes on disk and hands the
// parsed result to onChange. Parse failures keep the previous config and are
// logged. The returned stop function releases the watcher.
func Watch(path string, onChange func(Config), logger *logging.Logger) (func(), error) {
	if logger == nil {
		logger = logging.Nop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	// Watch the directory, not the file: editors and atomicWrite replace the
	// file by rename, which would drop a file-level watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	target := filepath.Clean(path)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.Warnf("config reload skipped: %v", err)
					continue
				}
				logger.Infof("config reloaded from %s", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Errorf("config watcher: %v", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
