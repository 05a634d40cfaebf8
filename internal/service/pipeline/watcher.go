package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultWatchDebounce collapses the burst of events a single atomic write
// produces (create temp, write, rename).
const DefaultWatchDebounce = 500 * time.Millisecond

// Watcher calls a function whenever the watched file is replaced or written,
// so mails added by another process are picked up without waiting for the
// rescan interval. The parent directory is watched because writers replace
// the file by rename.
type Watcher struct {
	w        *fsnotify.Watcher
	name     string
	onChange func()
	debounce time.Duration
	logger   *zap.Logger
}

func NewWatcher(path string, onChange func(), debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{
		w:        fw,
		name:     filepath.Base(path),
		onChange: onChange,
		debounce: debounce,
		logger:   logger,
	}, nil
}

// Run blocks until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != w.name || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.logger.Debug("Watched file changed", zap.String("file", w.name))
			w.onChange()
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			w.logger.Warn("File watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) Close() error {
	return w.w.Close()
}
