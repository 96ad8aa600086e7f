package mapping

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher reloads the store when its mapping file changes on disk. The watch
// is placed on the parent directory so editors that replace the file
// (rename-over-write) still trigger a reload.
type Watcher struct {
	store    *Store
	debounce time.Duration

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	timer   *time.Timer
	stopCh  chan struct{}
	running bool
}

func NewWatcher(store *Store, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &Watcher{store: store, debounce: debounce}
}

// Start begins watching. Safe to call once; returns an error if the
// underlying watch cannot be established.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(w.store.Path())
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw
	w.stopCh = make(chan struct{})
	w.running = true
	go w.loop()
	log.Info().Str("file", w.store.Path()).Msg("watching mapping file for changes")
	return nil
}

// Stop ends the watch and releases the fsnotify handle.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stopCh)
	w.fsw.Close()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.running = false
}

func (w *Watcher) loop() {
	target := filepath.Clean(w.store.Path())
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("mapping watch error")
		}
	}
}

// scheduleReload debounces bursts of events (editors often emit several per
// save) into a single reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.store.Reload(); err != nil {
			log.Error().Err(err).Str("file", w.store.Path()).Msg("mapping reload failed; keeping previous table")
		}
	})
}
