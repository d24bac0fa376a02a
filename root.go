package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/solarigin/sia/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// holder carries the effective configuration loaded by PersistentPreRunE.
// Available to all subcommands after the root pre-run phase completes.
var holder *config.Holder

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sia",
		Short:   "Personal image archiver",
		Long:    "A local daemon that archives images into deterministically named author folders and serves them over loopback HTTP.",
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		// PersistentPreRunE materializes the config on first run and loads
		// it before every command, so subcommands always see a validated
		// snapshot.
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "machine-readable output where supported")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	// Register subcommands.
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newNormalizeCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig loads (or first-run materializes) the config file and
// stores the holder for subcommands.
func loadConfig() error {
	path := flagConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}

	cfg, err := config.LoadOrInit(path)
	if err != nil {
		return err
	}

	holder = config.NewHolder(cfg, path)

	return nil
}

// buildLogger creates an slog.Logger configured by the loaded config and
// CLI flags. Config-file log level provides the baseline; --verbose and
// --quiet override it because CLI flags always win.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if holder != nil {
		switch holder.Config().LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
