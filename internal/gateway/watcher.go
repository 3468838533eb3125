package gateway

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"hearth/internal/logging"
)

const defaultWatchInterval = time.Second

type fileStamp struct {
	exists  bool
	modTime time.Time
	size    int64
}

// FileWatcher polls a single file and calls OnChange whenever its
// modification time, size or existence changes.
type FileWatcher struct {
	Path     string
	Interval time.Duration
	OnChange func(context.Context)
	Logger   *slog.Logger

	stat   func(string) (os.FileInfo, error)
	last   fileStamp
	primed bool
}

// NewFileWatcher stamps the file immediately. Create it before reading the
// file so an edit landing before Run is still reported.
func NewFileWatcher(path string, interval time.Duration, onChange func(context.Context)) *FileWatcher {
	w := &FileWatcher{Path: path, Interval: interval, OnChange: onChange}
	w.last = w.snapshot()
	w.primed = true
	return w
}

func (w *FileWatcher) Run(ctx context.Context) error {
	if w == nil || w.Path == "" {
		return errors.New("watch path required")
	}
	if w.OnChange == nil {
		return errors.New("change handler required")
	}
	interval := w.Interval
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	if !w.primed {
		w.last = w.snapshot()
		w.primed = true
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *FileWatcher) pollOnce(ctx context.Context) bool {
	cur := w.snapshot()
	if cur == w.last {
		return false
	}
	w.last = cur
	logging.OrDefault(w.Logger).Debug("live config changed", "path", w.Path, "exists", cur.exists)
	w.OnChange(ctx)
	return true
}

func (w *FileWatcher) snapshot() fileStamp {
	stat := w.stat
	if stat == nil {
		stat = os.Stat
	}
	info, err := stat(w.Path)
	if err != nil {
		return fileStamp{}
	}
	return fileStamp{exists: true, modTime: info.ModTime(), size: info.Size()}
}
