// Package inbox archives capture files dropped into a directory.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"convarchive/internal/capture"
	"convarchive/internal/logging"
	"convarchive/internal/store"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const (
	ProcessedDir = "processed"
	FailedDir    = "failed"

	defaultSettle = 250 * time.Millisecond
)

type Saver interface {
	Save(ctx context.Context, rec store.ConversationRecord) (int64, error)
}

// Watcher moves every capture file through the archive and then into
// processed/ or failed/. A file is read once it has been quiet for the
// settle interval, so half-written files are not picked up.
type Watcher struct {
	dir    string
	saver  Saver
	logger *log.Logger
	settle time.Duration
	now    func() time.Time
}

type Option func(*Watcher)

func WithLogger(logger *log.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

func WithSettle(d time.Duration) Option {
	return func(w *Watcher) { w.settle = d }
}

func New(dir string, saver Saver, opts ...Option) *Watcher {
	w := &Watcher{
		dir:    dir,
		saver:  saver,
		logger: logging.Discard(),
		settle: defaultSettle,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.settle <= 0 {
		w.settle = defaultSettle
	}
	return w
}

// Result summarises one file.
type Result struct {
	Path  string
	Saved int
	Err   error
}

// Run sweeps files already in the directory, then handles new ones until ctx
// is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.prepare(); err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	if _, err := w.Sweep(ctx); err != nil {
		return err
	}
	w.logger.Info("watching inbox", "dir", w.dir)

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if filepath.Dir(ev.Name) != filepath.Clean(w.dir) || !eligible(ev.Name) {
				continue
			}
			pending[ev.Name] = w.now()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "err", err)
		case <-ticker.C:
			cutoff := w.now().Add(-w.settle)
			for path, last := range pending {
				if last.After(cutoff) {
					continue
				}
				delete(pending, path)
				w.handle(ctx, path)
			}
		}
	}
}

// Sweep processes every eligible file currently in the directory once.
func (w *Watcher) Sweep(ctx context.Context) ([]Result, error) {
	if err := w.prepare(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}
	var results []Result
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if e.IsDir() || !eligible(e.Name()) {
			continue
		}
		if res, ok := w.handle(ctx, filepath.Join(w.dir, e.Name())); ok {
			results = append(results, res)
		}
	}
	return results, nil
}

func (w *Watcher) prepare() error {
	for _, sub := range []string{ProcessedDir, FailedDir} {
		if err := os.MkdirAll(filepath.Join(w.dir, sub), 0o755); err != nil {
			return fmt.Errorf("create inbox: %w", err)
		}
	}
	return nil
}

func (w *Watcher) handle(ctx context.Context, path string) (Result, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return Result{}, false
	}

	res := Result{Path: path}
	recs, errs := capture.DecodeFile(path, w.now())
	for _, rec := range recs {
		if _, err := w.saver.Save(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rec.ExternalID, err))
			continue
		}
		res.Saved++
	}
	res.Err = errors.Join(errs...)

	dest := ProcessedDir
	if res.Err != nil {
		dest = FailedDir
		w.logger.Warn("capture file failed", "file", filepath.Base(path), "saved", res.Saved, "err", res.Err)
	} else {
		w.logger.Info("capture file archived", "file", filepath.Base(path), "saved", res.Saved)
	}
	if err := w.move(path, dest, res.Err); err != nil {
		w.logger.Error("move capture file", "file", path, "err", err)
	}
	return res, true
}

func (w *Watcher) move(path, sub string, cause error) error {
	target := filepath.Join(w.dir, sub, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		ext := filepath.Ext(target)
		target = fmt.Sprintf("%s.%d%s", strings.TrimSuffix(target, ext), w.now().UnixNano(), ext)
	}
	if err := os.Rename(path, target); err != nil {
		return err
	}
	if cause != nil {
		return os.WriteFile(target+".err", []byte(cause.Error()+"\n"), 0o644)
	}
	return nil
}

func eligible(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
		return false
	}
	return capture.Supported(name)
}
