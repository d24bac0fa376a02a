package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/solarigin/sia/internal/gallery"
	"github.com/solarigin/sia/internal/naming"
	"github.com/solarigin/sia/internal/store"
	"github.com/solarigin/sia/internal/watch"
)

func newNormalizeCmd() *cobra.Command {
	var preview bool

	cmd := &cobra.Command{
		Use:   "normalize",
		Short: "One-shot pass: adopt loose images and folders, normalize names",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runNormalize(cmd.Context(), preview)
		},
	}

	cmd.Flags().BoolVar(&preview, "preview", false, "log planned renames without touching anything")

	return cmd
}

func runNormalize(ctx context.Context, preview bool) error {
	logger := buildLogger()
	cfg := holder.Config()

	engine := naming.New(cfg.BaseDir, cfg.SortMode, cfg.ConflictPolicy, exifReader(cfg), logger)

	if preview {
		return previewNormalize(engine, cfg.BaseDir, logger)
	}

	// The sweep mutates the archive, so take the same ownership lock the
	// daemon holds.
	cleanup, err := writePIDFile(filepath.Join(cfg.BaseDir, pidFileName))
	if err != nil {
		return err
	}
	defer cleanup()

	st, err := store.Open(filepath.Join(cfg.BaseDir, databaseFileName), 2, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	indexer := gallery.New(st, cfg.BaseDir, logger)

	watch.New(engine, st, indexer, logger).Sweep(ctx)

	return nil
}

// previewNormalize logs what a real pass would do without renaming
// anything or touching the store.
func previewNormalize(engine *naming.Engine, baseDir string, logger *slog.Logger) error {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		path := filepath.Join(baseDir, name)

		if entry.IsDir() {
			if _, _, err := engine.AdoptFolder(path, true); err != nil {
				logger.Warn("preview failed for folder",
					slog.String("folder", name), slog.String("error", err.Error()))
			}

			continue
		}

		if naming.IsImagePath(path) {
			logger.Info("would adopt loose image", slog.String("file", name))
		}
	}

	return nil
}
