package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hupe1980/convomesh/logging"
)

// WatcherOptions tune a Watcher.
type WatcherOptions struct {
	// Debounce coalesces bursts of writes into one reload.
	Debounce time.Duration
	Logger   logging.Logger
}

// Watcher reloads a config file when it changes and hands the parsed result
// to a callback. Invalid files are logged and skipped, so the last good
// configuration stays in effect.
type Watcher struct {
	path     string
	onChange func(*Config)
	opts     WatcherOptions

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher for path. Call Start to begin watching.
func NewWatcher(path string, onChange func(*Config), optFns ...func(o *WatcherOptions)) *Watcher {
	opts := WatcherOptions{
		Debounce: 250 * time.Millisecond,
		Logger:   logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Watcher{path: path, onChange: onChange, opts: opts}
}

// Start watches the directory of the file. Editors often replace files by
// rename, which a watch on the file itself would miss.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.watcher = fw

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(ctx, fw)
	return nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	fw, cancel := w.watcher, w.cancel
	w.watcher, w.cancel = nil, nil
	w.mu.Unlock()
	if fw == nil {
		return nil
	}
	cancel()
	err := fw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer w.wg.Done()

	target := filepath.Clean(w.path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.opts.Debounce, w.reload)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.opts.Logger.Warn("config watch error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.opts.Logger.Warn("config reload rejected", "path", w.path, "error", err)
		return
	}
	w.opts.Logger.Info("config reloaded", "path", w.path, "providers", len(cfg.Providers))
	w.onChange(cfg)
}
