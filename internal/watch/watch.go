// Package watch turns OS file-system notifications into file events on the
// bus, with per-path debouncing so editor write bursts collapse into one
// event.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wardenhq/warden/internal/bus"
	"github.com/wardenhq/warden/internal/event"
)

const source = "fs-watcher"

// Config configures a Watcher.
type Config struct {
	Paths          []string
	Recursive      bool
	Debounce       time.Duration // default 200ms
	IgnorePatterns []string      // glob matched against the base name
}

// Watcher publishes FilePayload events for changes under the watched paths.
type Watcher struct {
	cfg Config
	b   *bus.Bus
	fw  *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer

	stop chan struct{}
	done chan struct{}
}

// New creates a Watcher over the configured paths.
func New(cfg Config, b *bus.Bus) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 200 * time.Millisecond
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{
		cfg:     cfg,
		b:       b,
		fw:      fw,
		pending: make(map[string]*time.Timer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, p := range cfg.Paths {
		if err := w.add(p); err != nil {
			fw.Close()
			return nil, err
		}
	}
	return w, nil
}

// add registers a path, recursing into subdirectories when configured.
func (w *Watcher) add(path string) error {
	if err := w.fw.Add(path); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	if !w.cfg.Recursive {
		return nil
	}
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() || p == path {
			return err
		}
		if w.ignored(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

// Start launches the notification loop.
func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop halts the loop and releases OS watches.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
	w.fw.Close()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.pending {
		t.Stop()
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			slog.Warn("watcher error", "error", err)
		}
	}
}

// handle debounces one raw notification. Creates of directories extend the
// watch when recursive; everything else schedules a publish.
func (w *Watcher) handle(ev fsnotify.Event) {
	if w.ignored(filepath.Base(ev.Name)) {
		return
	}
	if ev.Op.Has(fsnotify.Create) && w.cfg.Recursive {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := w.fw.Add(ev.Name); err != nil {
				slog.Warn("watch new directory failed", "path", ev.Name, "error", err)
			}
			return
		}
	}
	op := mapOp(ev.Op)
	if op == "" {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[ev.Name]; ok {
		t.Stop()
	}
	path := ev.Name
	w.pending[path] = time.AfterFunc(w.cfg.Debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.publish(path, op)
	})
}

// publish emits the debounced file event.
func (w *Watcher) publish(path string, op event.FileOp) {
	p := event.FilePayload{
		Op:       op,
		Path:     path,
		FileType: event.FileTypeOf(path),
	}
	if op != event.FileDelete {
		if fi, err := os.Stat(path); err == nil {
			p.Size = fi.Size()
		}
	}
	e := event.New(source, event.SeverityInfo, p).WithLabel("file_type", p.FileType)
	if err := w.b.Publish(e); err != nil {
		slog.Warn("file event dropped", "path", path, "error", err)
	}
}

func (w *Watcher) ignored(base string) bool {
	for _, pat := range w.cfg.IgnorePatterns {
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
	}
	return strings.HasPrefix(base, ".") && base != "." && base != ".."
}

// mapOp translates fsnotify ops. Chmod-only notifications are dropped.
func mapOp(op fsnotify.Op) event.FileOp {
	switch {
	case op.Has(fsnotify.Create):
		return event.FileCreate
	case op.Has(fsnotify.Write):
		return event.FileModify
	case op.Has(fsnotify.Remove):
		return event.FileDelete
	case op.Has(fsnotify.Rename):
		return event.FileRename
	}
	return ""
}
