// Package confwatcher contains a configuration file watcher.
package confwatcher

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const minInterval = 1 * time.Second

// ConfWatcher is a configuration file watcher. It signals on the Watch
// channel whenever the file is written, debouncing rapid successive events
// from editors that write in multiple steps.
type ConfWatcher struct {
	inner     *fsnotify.Watcher
	watchPath string

	signal chan struct{}
	done   chan struct{}
}

// New allocates a ConfWatcher.
func New(confPath string) (*ConfWatcher, error) {
	inner, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	absPath, err := filepath.Abs(confPath)
	if err != nil {
		inner.Close()
		return nil, err
	}

	// watch the directory, since the file may be replaced atomically
	if err := inner.Add(filepath.Dir(absPath)); err != nil {
		inner.Close()
		return nil, err
	}

	w := &ConfWatcher{
		inner:     inner,
		watchPath: absPath,
		signal:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	go w.run()

	return w, nil
}

// Close closes the watcher.
func (w *ConfWatcher) Close() {
	w.inner.Close()
	<-w.done
}

func (w *ConfWatcher) run() {
	defer close(w.done)

	var lastSignal time.Time

	for {
		select {
		case event, ok := <-w.inner.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			eventPath, err := filepath.Abs(event.Name)
			if err != nil || eventPath != w.watchPath {
				continue
			}

			if time.Since(lastSignal) < minInterval {
				continue
			}
			lastSignal = time.Now()

			select {
			case w.signal <- struct{}{}:
			default:
			}

		case _, ok := <-w.inner.Errors:
			if !ok {
				return
			}
		}
	}
}

// Watch returns a channel that signals configuration file changes.
func (w *ConfWatcher) Watch() <-chan struct{} {
	return w.signal
}
