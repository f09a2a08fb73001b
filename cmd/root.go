// Package cmd is the mend command line surface. Commands are thin:
// they load configuration, wire the session controller and print
// results; all behavior lives in the library packages.
package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/handleui/mend/config"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	// Global flags shared across commands
	projectRoot string
	configPath  string
	verbose     bool
)

// globalConfig holds the loaded configuration, available to all
// commands. Initialized in PersistentPreRunE.
var globalConfig *config.Config

var rootCmd = &cobra.Command{
	Use:   "mend",
	Short: "Automatically fix failing test suites",
	Long: `Mend runs your test suite, derives a stable signature for each failure,
and tries to repair it: first from its cache of previously verified
fixes, then from deterministic patterns, then by asking a model for a
patch. Every candidate is applied against a byte-exact snapshot and
re-validated against the full suite before it is kept. Anything that
does not validate is rolled back to the original bytes.

Results, confidence scores and verified fixes persist under the state
directory (.mend/ by default), so repeated failures get cheaper to fix
over time.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

		root, err := filepath.Abs(projectRoot)
		if err != nil {
			return err
		}
		projectRoot = root

		cfg, err := config.Load(projectRoot, configPath)
		if err != nil {
			return err
		}
		globalConfig = cfg
		return nil
	},
}

// Execute runs the root command with signal-aware cancellation.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(learnedCmd)

	rootCmd.PersistentFlags().StringVarP(&projectRoot, "root", "r", ".", "project root directory")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default <root>/"+config.DefaultFileName+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}
