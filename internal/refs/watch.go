package refs

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Watcher drops the store's cached snapshot as soon as another process
// replaces chunked-refs, and signals on Changed. Long-running readers use
// it so they do not depend on the stat check alone.
type Watcher struct {
	// Changed receives a value after each invalidation. It is buffered by
	// one and never blocks the watcher.
	Changed chan struct{}

	store *Store
	fw    *fsnotify.Watcher
	done  chan struct{}
}

func (s *Store) Watch() (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "refs: watch")
	}
	dir := filepath.Dir(s.path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "refs: watch %s", dir)
	}
	w := &Watcher{
		Changed: make(chan struct{}, 1),
		store:   s,
		fw:      fw,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.store.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			log.Debugf("refs: %s: %s", ev.Op, ev.Name)
			w.store.Invalidate()
			select {
			case w.Changed <- struct{}{}:
			default:
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Warnf("refs: watch %s: %v", w.store.path, err)
		}
	}
}

// Close stops watching and waits for the watcher goroutine to exit.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	<-w.done
	return err
}
