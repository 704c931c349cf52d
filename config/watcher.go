package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = time.Second

// Watcher loads a configuration file and publishes a fresh database snapshot
// every time the file changes. Invalid files are logged and never published.
type Watcher struct {
	config   atomic.Pointer[Config]
	path     string
	watcher  *fsnotify.Watcher
	updates  chan DatabaseConf
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	reloadMu sync.Mutex
	debounce time.Duration
	logger   log.FieldLogger
}

// NewWatcher performs the initial load of path and starts watching its directory.
// A debounce <= 0 selects DefaultDebounce. Stop must be called to release the watcher.
func NewWatcher(path string, debounce time.Duration, logger log.FieldLogger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = log.StandardLogger()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		path:     path,
		watcher:  fsw,
		updates:  make(chan DatabaseConf, 1),
		done:     make(chan struct{}),
		debounce: debounce,
		logger:   logger.WithField("config", path),
	}
	w.config.Store(cfg)

	// Editors replace files instead of writing them, so watch the directory.
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.wg.Add(1)
	go w.watch()

	return w, nil
}

// Current returns the last valid configuration.
func (w *Watcher) Current() *Config {
	return w.config.Load()
}

// Updates delivers the database section of every successfully reloaded file.
// Only the newest snapshot is kept if the consumer falls behind.
func (w *Watcher) Updates() <-chan DatabaseConf {
	return w.updates
}

// Reload reads the file now. On failure the previous configuration stays
// current and the error is returned.
func (w *Watcher) Reload() error {
	select {
	case <-w.done:
		return fmt.Errorf("config watcher stopped")
	default:
	}

	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	w.logger.Info("DBROUTER | config change detected, reloading")

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.WithError(err).Error("DBROUTER | config reload failed, keeping previous configuration")
		return err
	}
	w.config.Store(cfg)
	w.publish(cfg.Databases)

	w.logger.WithField("databases", len(cfg.Databases)).Info("DBROUTER | config reloaded")
	return nil
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) publish(snapshot DatabaseConf) {
	for {
		select {
		case w.updates <- snapshot:
			return
		default:
		}
		// Drop the stale snapshot nobody consumed yet.
		select {
		case <-w.updates:
		default:
		}
	}
}

func (w *Watcher) watch() {
	defer w.wg.Done()

	name := filepath.Base(w.path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(w.debounce, func() {
					_ = w.Reload()
				})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("DBROUTER | config watcher error")
		}
	}
}
