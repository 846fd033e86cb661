package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// debounce absorbs the editor write-then-rename event bursts.
const debounce = 200 * time.Millisecond

// Watch re-loads the config file whenever it changes and hands the result to
// onChange. A file that fails to reload keeps the previous configuration;
// Watch returns when ctx is cancelled. The watcher observes the parent
// directory so atomic rename-style saves are picked up too.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	target := filepath.Clean(path)
	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			cfg, err := Load(path)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"package": "config",
					"path":    path,
					"error":   err,
				}).Warn("config reload failed, keeping previous configuration")
				continue
			}
			logrus.WithFields(logrus.Fields{
				"package": "config",
				"path":    path,
			}).Info("configuration reloaded")
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logrus.WithFields(logrus.Fields{
				"package": "config",
				"error":   err,
			}).Warn("config watcher error")
		}
	}
}
