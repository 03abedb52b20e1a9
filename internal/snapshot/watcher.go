package snapshot

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeWatcher watches a working directory and debounces filesystem
// events into a single callback, so the engine can trigger an
// out-of-band snapshot (or invalidate a cached diff) shortly after a
// burst of edits settles rather than on every individual write.
type ChangeWatcher struct {
	root     string
	debounce time.Duration
	logger   *slog.Logger
	onChange func()

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	watched map[string]struct{}
}

// NewChangeWatcher builds a watcher for root. debounce defaults to
// 250ms, matching the teacher's skill-reload debounce.
func NewChangeWatcher(root string, debounce time.Duration, logger *slog.Logger, onChange func()) *ChangeWatcher {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeWatcher{root: root, debounce: debounce, logger: logger, onChange: onChange}
}

// Start begins watching in the background. Calling Start twice is a no-op.
func (w *ChangeWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = fw
	w.watched = make(map[string]struct{})
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	if err := w.addTree(w.root); err != nil {
		w.logger.Warn("initial snapshot watch setup failed", "error", err)
	}

	w.wg.Add(1)
	go w.loop(watchCtx)
	return nil
}

// Close stops watching and waits for the loop goroutine to exit.
func (w *ChangeWatcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	fw := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if fw != nil {
		_ = fw.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *ChangeWatcher) addTree(root string) error {
	w.mu.Lock()
	fw := w.watcher
	w.mu.Unlock()
	if fw == nil {
		return nil
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if shouldSkipDir(filepath.Base(path)) {
			return filepath.SkipDir
		}
		w.mu.Lock()
		_, already := w.watched[path]
		w.mu.Unlock()
		if already {
			return nil
		}
		if err := fw.Add(path); err != nil {
			w.logger.Debug("failed to watch path", "path", path, "error", err)
			return nil
		}
		w.mu.Lock()
		w.watched[path] = struct{}{}
		w.mu.Unlock()
		return nil
	})
}

func (w *ChangeWatcher) loop(ctx context.Context) {
	defer w.wg.Done()
	w.mu.Lock()
	fw := w.watcher
	w.mu.Unlock()
	if fw == nil {
		return
	}

	var mu sync.Mutex
	var timer *time.Timer
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		if w.onChange != nil {
			timer = time.AfterFunc(w.debounce, w.onChange)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.addTree(event.Name)
				}
			}
			schedule()
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("snapshot watch error", "error", err)
		}
	}
}
