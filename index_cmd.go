package main

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/solarigin/sia/internal/gallery"
	"github.com/solarigin/sia/internal/store"
)

func newIndexCmd() *cobra.Command {
	var vacuum bool

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Rebuild the gallery manifest from the metadata store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIndex(cmd.Context(), vacuum)
		},
	}

	cmd.Flags().BoolVar(&vacuum, "vacuum", false, "compact the metadata store after rebuilding")

	return cmd
}

func runIndex(ctx context.Context, vacuum bool) error {
	logger := buildLogger()
	cfg := holder.Config()

	st, err := store.Open(filepath.Join(cfg.BaseDir, databaseFileName), 2, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := gallery.New(st, cfg.BaseDir, logger).Rebuild(ctx); err != nil {
		return err
	}

	logger.Info("manifest rebuilt", slog.String("base_dir", cfg.BaseDir))

	if vacuum {
		if err := st.Vacuum(ctx); err != nil {
			return err
		}

		logger.Info("metadata store compacted")
	}

	return nil
}
