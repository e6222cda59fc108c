package config

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the configuration whenever the .env file changes and hands
// the fresh Config to onChange. Editors replace files rather than write in
// place, so the watch is on the parent directory and events are debounced.
// Returns immediately with no watcher when cfg was not read from a file.
func Watch(ctx context.Context, cfg *Config, onChange func(*Config)) error {
	if cfg.EnvPath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(cfg.EnvPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	target := filepath.Base(cfg.EnvPath)

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					fresh, err := Load()
					if err != nil {
						log.Printf("Config reload failed: %v", err)
						return
					}
					log.Printf("Config reloaded from %s", fresh.EnvPath)
					onChange(fresh)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("Config watcher error: %v", err)
			}
		}
	}()

	return nil
}
