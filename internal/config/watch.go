package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// Watcher reloads the config file on change and hands valid reloads to a
// callback. Invalid edits are logged and skipped; the previous config
// stays in effect.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	onLoad  func(Config)

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewWatcher starts watching path. onLoad runs on the watcher goroutine
// for every successful reload.
func NewWatcher(path string, onLoad func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files and the
	// watch on the old inode would go silent.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		onLoad:  onLoad,
		done:    make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

func (w *Watcher) watchLoop() {
	base := filepath.Base(w.path)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Warnf("CONFIG: reload failed: %v", err)
				continue
			}
			log.Infof("CONFIG: reloaded %s", w.path)
			w.onLoad(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("CONFIG: watcher error: %v", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)
	return w.watcher.Close()
}
