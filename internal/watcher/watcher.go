// Package watcher turns out-of-band filesystem edits (git checkouts,
// external editors) into live-reload updates, so clients resync even when
// the change did not come through a tool call.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"loom/internal/logging"
	"loom/internal/workspace"
)

const defaultDebounce = 100 * time.Millisecond

// Watcher watches a project root and reports changed paths in debounced
// batches. Paths under the internal directory are never reported.
type Watcher struct {
	root     string
	fsw      *fsnotify.Watcher
	debounce time.Duration
	onUpdate func(paths []string)
	logger   logging.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
}

// New builds a watcher over root. onUpdate receives each debounced batch
// of changed project-relative paths.
func New(root string, debounce time.Duration, onUpdate func(paths []string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	w := &Watcher{
		root:     root,
		fsw:      fsw,
		debounce: debounce,
		onUpdate: onUpdate,
		logger:   logging.NewComponentLogger("Watcher"),
		pending:  make(map[string]struct{}),
	}
	if err := w.addDirs(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// addDirs registers root and every subdirectory, skipping the internal
// directory. fsnotify watches are not recursive.
func (w *Watcher) addDirs(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == workspace.InternalDir {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// Run processes events until the context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error: %v", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if rel == workspace.InternalDir || strings.HasPrefix(rel, workspace.InternalDir+"/") {
		return
	}

	// New directories need their own watch before anything inside them
	// can be seen.
	if event.Op&fsnotify.Create != 0 {
		if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
			if addErr := w.addDirs(event.Name); addErr != nil {
				w.logger.Warn("watch new directory %s: %v", rel, addErr)
			}
			return
		}
	}

	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	w.pending[rel] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
	w.mu.Unlock()
}

// flush delivers the accumulated batch once the debounce window closes.
func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	if w.onUpdate != nil {
		w.onUpdate(paths)
	}
}
