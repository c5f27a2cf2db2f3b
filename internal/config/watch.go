package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/bryanwahyu/automaton-node/internal/logging"
)

// Watch reloads the file at path whenever it is written and hands every
// successfully parsed config to apply. Invalid edits are logged and skipped.
// The directory is watched instead of the file so editors that replace the
// file by rename keep being observed.
func Watch(ctx context.Context, path string, log *logging.Logger, apply func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(abs)
				if err != nil {
					log.Warnf("config reload rejected file=%s err=%v", abs, err)
					continue
				}
				log.Infof("config reloaded file=%s", abs)
				apply(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("fsnotify error=%v", err)
			}
		}
	}()
	return nil
}
