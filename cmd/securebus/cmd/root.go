// Package cmd implements the securebus command line tool: offline
// inspection of event logs, payload sanitization and configuration checks.
package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// Version information, set via ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// PrintVersion returns the version line.
func PrintVersion() string {
	return fmt.Sprintf("securebus v%s (commit: %s, built on: %s)", Version, Commit, Date)
}

type rootOptions struct {
	verbose bool
}

// NewRootCommand creates the securebus command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "securebus",
		Short: "securebus - tools for the secure event bus",
		Long: `securebus inspects and maintains the stores behind an event bus:
replaying persisted events, pruning the SQLite event log, checking
configuration files and running payloads through the sanitizer.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}
	cmd.SetVersionTemplate(PrintVersion() + "\n")
	cmd.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "log bus activity to stderr")

	cmd.AddCommand(newCheckConfigCommand())
	cmd.AddCommand(newSanitizeCommand())
	cmd.AddCommand(newReplayCommand(opts))
	cmd.AddCommand(newCleanupCommand())
	cmd.AddCommand(newStatsCommand())
	return cmd
}

func (o *rootOptions) logger(cmd *cobra.Command) *slog.Logger {
	var w io.Writer = io.Discard
	level := slog.LevelInfo
	if o.verbose {
		w = cmd.ErrOrStderr()
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
