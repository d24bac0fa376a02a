// Package watch reconciles externally introduced files into the archive's
// naming scheme. It observes the base directory recursively, waits for
// new files to stop growing, then routes them through the naming engine:
// loose images are adopted into author folders, files dropped inside
// existing folders trigger a normalization pass, and every action ends
// with a store sync and a gallery manifest rebuild. Per-file errors are
// logged and never abort the watcher.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/solarigin/sia/internal/gallery"
	"github.com/solarigin/sia/internal/naming"
	"github.com/solarigin/sia/internal/store"
)

// Stability polling defaults: size sampled at ~1 s intervals, up to 3
// times, requiring two consecutive equal sizes.
const (
	defaultPollInterval = time.Second
	defaultPollChecks   = 3
)

// shutdownJoinTimeout bounds the wait for in-flight normalizations on
// shutdown.
const shutdownJoinTimeout = 5 * time.Second

// systemDirNames are directory basenames ignored case-insensitively.
var systemDirNames = map[string]bool{
	"system volume information": true,
	"$recycle.bin":              true,
}

// Watcher normalizes externally added files under a base directory.
type Watcher struct {
	baseDir string
	engine  *naming.Engine
	store   store.Store
	indexer *gallery.Indexer
	logger  *slog.Logger

	pollInterval time.Duration
	pollChecks   int

	// inflight collapses multiple events for the same path into one
	// action while the stability window is open.
	mu       sync.Mutex
	inflight map[string]struct{}

	wg sync.WaitGroup
}

// New creates a Watcher over the engine's base directory.
func New(engine *naming.Engine, st store.Store, indexer *gallery.Indexer, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		baseDir:      engine.BaseDir(),
		engine:       engine,
		store:        st,
		indexer:      indexer,
		logger:       logger,
		pollInterval: defaultPollInterval,
		pollChecks:   defaultPollChecks,
		inflight:     make(map[string]struct{}),
	}
}

// Run watches until ctx is canceled. On startup it performs one full
// sweep so files added while the daemon was down are adopted too.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := w.addWatchesRecursive(fsw, w.baseDir); err != nil {
		return err
	}

	w.logger.Info("watching base directory", slog.String("path", w.baseDir))

	w.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return w.join()

		case ev, ok := <-fsw.Events:
			if !ok {
				return w.join()
			}

			w.handleEvent(ctx, fsw, ev)

		case watchErr, ok := <-fsw.Errors:
			if !ok {
				return w.join()
			}

			w.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()))
		}
	}
}

// join waits for in-flight actions, bounded by shutdownJoinTimeout.
func (w *Watcher) join() error {
	done := make(chan struct{})

	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownJoinTimeout):
		w.logger.Warn("shutdown timed out waiting for in-flight normalization")
	}

	return nil
}

// addWatchesRecursive registers fsw on dir and every non-ignored
// subdirectory.
func (w *Watcher) addWatchesRecursive(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if path != dir && ignoredName(d.Name()) {
			return filepath.SkipDir
		}

		return fsw.Add(path)
	})
}

// ignoredName reports whether a basename is hidden or a known system
// directory.
func ignoredName(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}

	return systemDirNames[strings.ToLower(name)]
}

// handleEvent filters one fsnotify event and dispatches the action. Only
// arrivals matter: creations and move-ins (which surface as Create on the
// new path).
func (w *Watcher) handleEvent(ctx context.Context, fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) {
		return
	}

	name := filepath.Base(ev.Name)
	if ignoredName(name) {
		return
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		// Gone already; nothing to do.
		return
	}

	if info.IsDir() {
		// New directories get a watch immediately so files created inside
		// before adoption still produce events.
		if addErr := fsw.Add(ev.Name); addErr != nil {
			w.logger.Warn("failed to watch new directory",
				slog.String("path", ev.Name), slog.String("error", addErr.Error()))
		}

		if filepath.Dir(ev.Name) == w.baseDir {
			w.dispatch(ctx, ev.Name, w.actOnNewDir)
		}

		return
	}

	// Skip placement temp files and anything that is not an image.
	if strings.Contains(name, ".part") || strings.Contains(name, ".__renametmp__") {
		return
	}

	if !naming.IsImagePath(ev.Name) {
		return
	}

	// Placeholders reserved by an in-flight save are the daemon's own
	// placements, not external arrivals.
	if w.engine.IsReserved(ev.Name) {
		return
	}

	w.dispatch(ctx, ev.Name, w.actOnFile)
}

// dispatch runs action on path in its own task unless an action for the
// same path is already pending.
func (w *Watcher) dispatch(ctx context.Context, path string, action func(ctx context.Context, path string)) {
	w.mu.Lock()

	if _, busy := w.inflight[path]; busy {
		w.mu.Unlock()
		return
	}

	w.inflight[path] = struct{}{}
	w.mu.Unlock()

	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.inflight, path)
			w.mu.Unlock()
		}()

		action(ctx, path)
	}()
}

// waitStable polls the file size until two consecutive samples agree.
// Returns false when the file disappears or never settles.
func (w *Watcher) waitStable(ctx context.Context, path string) bool {
	prev := int64(-1)

	for i := 0; i < w.pollChecks; i++ {
		info, err := os.Stat(path)
		if err != nil {
			return false
		}

		if info.Size() == prev {
			return true
		}

		prev = info.Size()

		select {
		case <-ctx.Done():
			return false
		case <-time.After(w.pollInterval):
		}
	}

	info, err := os.Stat(path)

	return err == nil && info.Size() == prev
}

// actOnFile handles one stable file: loose images in the base dir are
// adopted into a new author folder; files inside a folder trigger a
// normalization pass on that folder.
func (w *Watcher) actOnFile(ctx context.Context, path string) {
	if !w.waitStable(ctx, path) {
		w.logger.Debug("file never stabilized, dropping", slog.String("path", path))
		return
	}

	dir := filepath.Dir(path)

	var (
		folder  string
		renames []naming.Rename
		err     error
	)

	if dir == w.baseDir {
		folder, renames, err = w.engine.AdoptLooseFile(path)
	} else {
		folder = dir
		renames, err = w.engine.NormalizeFolder(dir, false)
	}

	if err != nil {
		w.logger.Error("normalization failed",
			slog.String("path", path), slog.String("error", err.Error()))

		return
	}

	w.syncAfterChange(ctx, folder, renames)
}

// actOnNewDir adopts a directory dropped into the base dir.
func (w *Watcher) actOnNewDir(ctx context.Context, path string) {
	// Give whatever is copying into the directory a moment to finish.
	if !w.waitDirStable(ctx, path) {
		return
	}

	folder, renames, err := w.engine.AdoptFolder(path, false)
	if err != nil {
		w.logger.Error("folder adoption failed",
			slog.String("path", path), slog.String("error", err.Error()))

		return
	}

	w.syncAfterChange(ctx, folder, renames)
}

// waitDirStable polls the directory entry count until two consecutive
// samples agree.
func (w *Watcher) waitDirStable(ctx context.Context, path string) bool {
	prev := -1

	for i := 0; i < w.pollChecks; i++ {
		entries, err := os.ReadDir(path)
		if err != nil {
			return false
		}

		if len(entries) == prev {
			return true
		}

		prev = len(entries)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(w.pollInterval):
		}
	}

	return true
}

// Sweep runs one full pass over the base dir: adopt loose images and
// unnumbered folders, normalize everything, reconcile the store, and
// rebuild the manifest. Used on startup and by the one-shot CLI.
func (w *Watcher) Sweep(ctx context.Context) {
	entries, err := os.ReadDir(w.baseDir)
	if err != nil {
		w.logger.Error("sweep failed reading base dir", slog.String("error", err.Error()))
		return
	}

	for _, entry := range entries {
		if ignoredName(entry.Name()) {
			continue
		}

		path := filepath.Join(w.baseDir, entry.Name())

		if entry.IsDir() {
			w.actOnNewDir(ctx, path)
			continue
		}

		if naming.IsImagePath(path) {
			w.actOnFile(ctx, path)
		}
	}

	if err := w.fullReconcile(ctx); err != nil {
		w.logger.Error("reconcile failed", slog.String("error", err.Error()))
	}

	if err := w.indexer.Rebuild(ctx); err != nil {
		w.logger.Error("manifest rebuild failed", slog.String("error", err.Error()))
	}
}
