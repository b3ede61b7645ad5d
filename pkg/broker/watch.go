package broker

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"chatbus/pkg/store"
)

// watch turns filesystem events in the broker directory into early ticks.
// Polling keeps running either way; if the watcher cannot start the broker
// falls back to polling alone.
func (b *Broker) watch(ctx context.Context, wakeMessages, wakeStatus chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		b.log.Warn("Filesystem watcher unavailable, polling only", "error", err)
		return nil
	}
	defer watcher.Close()

	if err := watcher.Add(b.store.Dir()); err != nil {
		b.log.Warn("Watch broker directory failed, polling only", "dir", b.store.Dir(), "error", err)
		return nil
	}
	b.log.Debug("Watching broker directory", "dir", b.store.Dir())

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			switch filepath.Base(event.Name) {
			case store.LogFileName:
				wake(wakeMessages)
			case store.TypingFileName, store.OnlineFileName:
				wake(wakeStatus)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			b.log.Warn("Filesystem watcher error", "error", err)
		}
	}
}

// wake performs a non-blocking send; one pending wakeup is enough.
func wake(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
