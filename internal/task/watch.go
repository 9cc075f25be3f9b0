package task

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch signals on the returned channel whenever a task file appears or
// changes, letting the loop cut its idle sleep short. The channel carries
// at most one pending signal; the watcher stops when ctx is done.
func (s *DirSource) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &SourceError{Source: s.Name(), Err: err}
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return nil, &SourceError{Source: s.Name(), Err: err}
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Rename) {
					continue
				}
				if !isTaskFile(filepath.Base(event.Name)) {
					continue
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn("task watcher error", zap.Error(err))
			}
		}
	}()
	return ch, nil
}
