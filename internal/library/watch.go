package library

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay batches a burst of file events (a camera dumping a day of
// frames) into one rescan.
const settleDelay = 250 * time.Millisecond

// Watch rescans the directory whenever image files are created, changed,
// renamed or removed, until ctx is cancelled. Changed or removed keys lose
// their cached renditions straight away.
func (l *Library) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("library: fsnotify.NewWatcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(l.dir); err != nil {
		return fmt.Errorf("library: watch %s: %w", l.dir, err)
	}

	timer := time.NewTimer(settleDelay)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("library: watcher closed")
			}
			name := filepath.Base(ev.Name)
			if !Listed(name) {
				continue
			}
			if l.cat != nil && ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				if err := l.cat.Invalidate(name); err != nil {
					l.log.Warn("catalog invalidate failed", "key", name, "error", err)
				}
			}
			if !pending {
				pending = true
				timer.Reset(settleDelay)
			}

		case <-timer.C:
			pending = false
			before := l.Len()
			if err := l.Rescan(); err != nil {
				l.log.Error("rescan failed", "dir", l.dir, "error", err)
				continue
			}
			l.log.Info("image directory changed", "frames_before", before, "frames", l.Len())

		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("library: watcher error channel closed")
			}
			l.log.Warn("fsnotify watcher error", "error", err)
		}
	}
}
