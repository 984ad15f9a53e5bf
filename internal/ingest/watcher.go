package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hands PDFs that appear in a directory to submit once they have
// stopped changing for the debounce interval. Files already present when Run
// starts are submitted too; deduplication makes repeats cheap.
type Watcher struct {
	dir      string
	debounce time.Duration
	submit   func(ctx context.Context, path string)
	logger   *slog.Logger
}

// NewWatcher creates a Watcher for dir. debounce defaults to 2s.
func NewWatcher(dir string, debounce time.Duration, submit func(ctx context.Context, path string)) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{dir: dir, debounce: debounce, submit: submit, logger: slog.Default()}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating watch dir: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.logger.Info("watcher: watching directory", "dir", w.dir)

	w.scan(ctx)

	tick := w.debounce / 4
	if tick < 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	pending := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !isPDF(ev.Name) {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				pending[ev.Name] = time.Now()
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				delete(pending, ev.Name)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher: fsnotify error", "error", err)

		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < w.debounce {
					continue
				}
				delete(pending, path)
				w.submit(ctx, path)
			}
		}
	}
}

func (w *Watcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("watcher: initial scan failed", "dir", w.dir, "error", err)
		return
	}
	for _, e := range entries {
		if e.Type().IsRegular() && isPDF(e.Name()) {
			w.submit(ctx, filepath.Join(w.dir, e.Name()))
		}
	}
}

func isPDF(name string) bool {
	base := filepath.Base(name)
	return strings.EqualFold(filepath.Ext(base), ".pdf") && !strings.HasPrefix(base, ".")
}
