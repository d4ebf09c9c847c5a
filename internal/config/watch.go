package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reports writes to the config file until ctx is cancelled. The agent
// never reloads at runtime — device schema is immutable after startup — so
// the callback's job is to tell the operator a restart is needed.
func (c *Config) Watch(ctx context.Context, onChange func(path string)) error {
	if c.Path == "" {
		return fmt.Errorf("config was not loaded from a file")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	// Watch the directory: editors replace the file on save, which drops
	// a watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(c.Path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", c.Path, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(c.Path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					onChange(c.Path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("config watcher: %v", err)
			}
		}
	}()
	return nil
}
