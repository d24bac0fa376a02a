// Package gallery derives the images.json manifest from the metadata
// store. The manifest is a pure function of the store at rebuild time:
// every committed file row appears exactly once, ordered by descending
// mtime, and the file is written atomically so readers always see a
// complete document.
package gallery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/solarigin/sia/internal/store"
)

// ManifestName is the manifest's basename under the archive base dir.
const ManifestName = "images.json"

// Entry is one manifest record. PostID and Source are omitted for files
// without save-request provenance (watcher-adopted files).
type Entry struct {
	Path   string `json:"path"`
	Folder string `json:"folder"`
	Name   string `json:"name"`
	Mtime  int64  `json:"mtime"`
	PostID string `json:"post_id,omitempty"`
	Source string `json:"source,omitempty"`
}

// Indexer rebuilds the manifest. Rebuilds are serialized; concurrent
// callers coalesce on the mutex and each produce a complete file.
type Indexer struct {
	store   store.Store
	baseDir string
	logger  *slog.Logger

	mu sync.Mutex
}

// New creates an Indexer writing to baseDir/images.json.
func New(st store.Store, baseDir string, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Indexer{store: st, baseDir: baseDir, logger: logger}
}

// ManifestPath returns the absolute manifest path.
func (ix *Indexer) ManifestPath() string {
	return filepath.Join(ix.baseDir, ManifestName)
}

// Rebuild materializes the full manifest from the store and writes it
// atomically. Idempotent; safe to run concurrently with serving.
func (ix *Indexer) Rebuild(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rows, _, err := ix.store.ListFiles(ctx, store.ListFilter{})
	if err != nil {
		return fmt.Errorf("gallery: listing files: %w", err)
	}

	entries := make([]Entry, 0, len(rows))

	for _, r := range rows {
		e := Entry{
			Path:   r.RelativePath,
			Folder: r.FolderName,
			Name:   path.Base(r.RelativePath),
			Mtime:  r.Mtime,
		}

		if r.PostID != nil {
			e.PostID = *r.PostID
		}

		if r.Source != nil {
			e.Source = *r.Source
		}

		entries = append(entries, e)
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("gallery: serializing manifest: %w", err)
	}

	if err := atomicWrite(ix.ManifestPath(), data); err != nil {
		return fmt.Errorf("gallery: writing manifest: %w", err)
	}

	ix.logger.Info("rebuilt gallery manifest", slog.Int("entries", len(entries)))

	return nil
}

// Update refreshes the manifest after a save or rename. The incremental
// interface degrades to a full rebuild, which keeps the pure-function
// invariant trivially true.
func (ix *Indexer) Update(ctx context.Context, _ []string) error {
	return ix.Rebuild(ctx)
}

// atomicWrite writes data via a temp file and rename in the target's
// directory.
func atomicWrite(target string, data []byte) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, ".images-*.tmp")
	if err != nil {
		return err
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tempPath, 0o644); err != nil {
		return err
	}

	if err := os.Rename(tempPath, target); err != nil {
		return err
	}

	succeeded = true

	return nil
}
