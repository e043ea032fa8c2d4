package config

import (
	"context"
	"errors"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrNoConfigFile is returned by Watch when no config_file is resolvable.
var ErrNoConfigFile = errors.New("no config file to watch")

// Watch reloads the file layer whenever the resolved config_file changes on
// disk. It blocks until ctx is cancelled or the watcher fails; callers run it
// in a goroutine. Watch errors are logged, never surfaced to the host
// application's request path.
func (s *Store) Watch(ctx context.Context) error {
	path := s.String(ConfigFile)
	if path == "" {
		return ErrNoConfigFile
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				s.logger.Debug("config file changed, reloading", zap.String("path", path))
				s.Load(path)
			}
			// Editors often replace files; re-add the watch after a rename
			// so subsequent writes are still observed.
			if event.Op&fsnotify.Rename != 0 {
				_ = watcher.Add(path)
				s.Load(path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Debug("config watcher error", zap.Error(err))
		}
	}
}
