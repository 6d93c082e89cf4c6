package gather

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StopFile is a sentinel whose existence halts a continuous run at the next
// iteration. Its content is ignored.
type StopFile struct {
	Path string
}

// Present reports whether the sentinel exists.
func (s StopFile) Present() bool {
	if s.Path == "" {
		return false
	}
	_, err := os.Stat(s.Path)
	return err == nil
}

// Sleep blocks for d, returning early when ctx is done or the sentinel
// appears. When the directory cannot be watched it degrades to a plain timer.
func (s StopFile) Sleep(ctx context.Context, d time.Duration, log *slog.Logger) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if s.Path != "" {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			defer w.Close()
			if err := w.Add(filepath.Dir(s.Path)); err == nil {
				events, errs = w.Events, w.Errors
			} else {
				log.Debug("stop file watch unavailable", "path", s.Path, "error", err)
			}
		}
	}

	target := filepath.Clean(s.Path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == target && ev.Has(fsnotify.Create|fsnotify.Write) {
				return
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Debug("stop file watcher error", "error", err)
		}
	}
}
