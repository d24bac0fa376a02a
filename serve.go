package main

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/solarigin/sia/internal/config"
	"github.com/solarigin/sia/internal/fetch"
	"github.com/solarigin/sia/internal/gallery"
	"github.com/solarigin/sia/internal/naming"
	"github.com/solarigin/sia/internal/server"
	"github.com/solarigin/sia/internal/store"
	"github.com/solarigin/sia/internal/watch"
)

// pidFileName lives under the base dir so the lock guards the archive
// itself: one daemon per base_dir, whatever config file started it.
const pidFileName = ".sia.pid"

// databaseFileName is the metadata store, kept under the base dir next
// to the manifest so the archive travels as one tree.
const databaseFileName = "sia.db"

// httpClientTimeout bounds connection setup; per-attempt download
// timeouts come from the download policy.
const httpClientTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the archiver daemon (HTTP endpoint + folder watcher)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	logger := buildLogger()
	cfg := holder.Config()

	if cfg.HMACKey == "change-me" {
		logger.Warn("hmac_key is still the default; update it in " + holder.Path())
	}

	cleanup, err := writePIDFile(filepath.Join(cfg.BaseDir, pidFileName))
	if err != nil {
		return err
	}
	defer cleanup()

	st, err := store.Open(filepath.Join(cfg.BaseDir, databaseFileName), cfg.Concurrency+2, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	engine := naming.New(cfg.BaseDir, cfg.SortMode, cfg.ConflictPolicy, exifReader(cfg), logger)
	indexer := gallery.New(st, cfg.BaseDir, logger)
	downloader := fetch.New(&http.Client{Timeout: httpClientTimeout}, logger)

	srv := server.New(holder, engine, st, downloader, indexer, logger)
	watcher := watch.New(engine, st, indexer, logger)

	ctx := shutdownContext(parent, logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(ctx)
	})

	g.Go(func() error {
		return watcher.Run(ctx)
	})

	logger.Info("sia daemon started",
		slog.String("base_dir", cfg.BaseDir),
		slog.Int("port", cfg.Port),
	)

	return g.Wait()
}

// exifReader picks the taken-at source for the naming engine. Only the
// exif sort mode pays the decode cost.
func exifReader(cfg *config.Config) naming.TakenAtReader {
	if cfg.SortMode == config.SortByEXIF {
		return naming.EXIFReader{}
	}

	return naming.UnknownTakenAt{}
}
