package process

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/pslog"
)

// binaryWatcher watches the directory holding the executable so atomic
// replacements (write temp, rename) are observed too.
type binaryWatcher struct {
	watcher  *fsnotify.Watcher
	name     string
	logger   pslog.Logger
	onChange func()
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

func watchBinary(path string, logger pslog.Logger, onChange func()) (*binaryWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("process: resolve executable: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("process: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("process: watch %q: %w", filepath.Dir(abs), err)
	}
	w := &binaryWatcher{
		watcher:  watcher,
		name:     abs,
		logger:   logger,
		onChange: onChange,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *binaryWatcher) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Info("process.binary.changed", "path", w.name, "op", ev.Op.String())
			if w.onChange != nil {
				w.onChange()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("process.binary.watch_error", "error", err)
		}
	}
}

func (w *binaryWatcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}
