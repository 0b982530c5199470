package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/cyclecoord/cyclecoord/internal/config"
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

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
// It is available to all subcommands after the root pre-run phase completes.
var resolvedCfg config.Config

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cyclecoord",
		Short:   "Parallel TDD cycle coordinator",
		Long:    "Coordinates concurrent TDD cycles over a shared codebase: resource locking, agent pools, token budgets, and conflict resolution.",
		Version: version,
		// Silence Cobra's default error/usage printing; errors are handled
		// in main via exitOnError.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newEventsCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig loads defaults plus the config file (if any) into resolvedCfg.
// An explicitly named config file must exist; the default path may be
// absent.
func loadConfig(cmd *cobra.Command) error {
	if cmd.Flags().Changed("config") {
		if err := config.MustStat(flagConfigPath); err != nil {
			return err
		}
	}

	cfg, err := config.Load(flagConfigPath, buildLogger("info", "auto"))
	if err != nil {
		return err
	}

	resolvedCfg = cfg
	return nil
}

// effectiveLogger creates the logger for a command from the resolved
// config. CLI flags override the config file level because flags always
// win.
func effectiveLogger() *slog.Logger {
	level := resolvedCfg.Logging.Level
	if flagVerbose {
		level = "debug"
	}
	if flagQuiet {
		level = "error"
	}
	return buildLogger(level, resolvedCfg.Logging.Format)
}

// buildLogger creates an slog.Logger for the given level and format.
// Format "auto" picks text on a terminal and JSON otherwise, so piped
// output stays machine-readable.
func buildLogger(level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "auto" {
		format = "json"
		if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
			format = "text"
		}
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
