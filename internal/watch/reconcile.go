package watch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/solarigin/sia/internal/naming"
	"github.com/solarigin/sia/internal/store"
)

// syncAfterChange brings the store in line with a folder after
// normalization, then rebuilds the manifest. folder is an absolute path.
func (w *Watcher) syncAfterChange(ctx context.Context, folder string, renames []naming.Rename) {
	if err := w.applyRenames(ctx, renames); err != nil {
		w.logger.Error("recording renames failed",
			slog.String("folder", folder), slog.String("error", err.Error()))
	}

	if err := w.syncFolder(ctx, folder); err != nil {
		w.logger.Error("folder store sync failed",
			slog.String("folder", folder), slog.String("error", err.Error()))
	}

	if err := w.indexer.Rebuild(ctx); err != nil {
		w.logger.Error("manifest rebuild failed", slog.String("error", err.Error()))
	}
}

// applyRenames records on-disk renames against existing file rows. Rows
// that do not exist yet are picked up by syncFolder instead.
func (w *Watcher) applyRenames(ctx context.Context, renames []naming.Rename) error {
	if len(renames) == 0 {
		return nil
	}

	return w.store.InTransaction(ctx, func(tx *store.Tx) error {
		for _, r := range renames {
			folderName := filepath.Dir(r.NewRel)

			mtime := int64(0)
			if info, err := os.Stat(filepath.Join(w.baseDir, filepath.FromSlash(r.NewRel))); err == nil {
				mtime = info.ModTime().Unix()
			}

			if err := tx.RenameFile(r.OldRel, r.NewRel, folderName, mtime); err != nil {
				return err
			}
		}

		return nil
	})
}

// syncFolder ensures every image in folder has an asset and file row.
// Watcher-adopted files carry no item provenance.
func (w *Watcher) syncFolder(ctx context.Context, folder string) error {
	known, err := w.knownPaths(ctx)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(folder)
	if err != nil {
		return fmt.Errorf("watch: reading folder: %w", err)
	}

	folderName := filepath.Base(folder)

	return w.store.InTransaction(ctx, func(tx *store.Tx) error {
		for _, entry := range entries {
			if entry.IsDir() || !naming.IsImagePath(entry.Name()) {
				continue
			}

			relPath := folderName + "/" + entry.Name()
			if _, ok := known[relPath]; ok {
				continue
			}

			abs := filepath.Join(folder, entry.Name())

			// An in-flight save owns this path; its own transaction records
			// it once the download lands.
			if w.engine.IsReserved(abs) {
				continue
			}

			hash, size, hashErr := hashFile(abs)
			if hashErr != nil {
				w.logger.Warn("hashing adopted file failed",
					slog.String("path", abs), slog.String("error", hashErr.Error()))

				continue
			}

			ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(entry.Name())), ".")

			assetID, _, upsertErr := tx.UpsertAssetByHash(hash, ext, size)
			if upsertErr != nil {
				return upsertErr
			}

			info, statErr := entry.Info()
			if statErr != nil {
				continue
			}

			if err := tx.InsertFile(assetID, nil, relPath, folderName, info.ModTime().Unix()); err != nil {
				return err
			}

			w.logger.Info("adopted file into store",
				slog.String("path", relPath), slog.String("hash", hash))
		}

		return nil
	})
}

// fullReconcile drops file rows whose on-disk file no longer exists.
func (w *Watcher) fullReconcile(ctx context.Context) error {
	existing, err := w.diskPaths()
	if err != nil {
		return err
	}

	return w.store.InTransaction(ctx, func(tx *store.Tx) error {
		removed, err := tx.Reconcile(existing)
		if err != nil {
			return err
		}

		if removed > 0 {
			w.logger.Info("reconciled store", slog.Int("removed", removed))
		}

		return nil
	})
}

// knownPaths returns the set of relative paths the store tracks.
func (w *Watcher) knownPaths(ctx context.Context) (map[string]struct{}, error) {
	paths, err := w.store.AllFilePaths(ctx)
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}

	return set, nil
}

// diskPaths walks the base dir and returns every image's relative path
// in forward-slash form.
func (w *Watcher) diskPaths() (map[string]struct{}, error) {
	set := make(map[string]struct{})

	err := filepath.WalkDir(w.baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if path != w.baseDir && ignoredName(d.Name()) {
				return filepath.SkipDir
			}

			return nil
		}

		if !naming.IsImagePath(path) {
			return nil
		}

		rel, relErr := filepath.Rel(w.baseDir, path)
		if relErr != nil {
			return relErr
		}

		set[filepath.ToSlash(rel)] = struct{}{}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("watch: scanning base dir: %w", err)
	}

	return set, nil
}

// hashFile streams a file through SHA-256.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()

	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}

	return hex.EncodeToString(h.Sum(nil)), n, nil
}
