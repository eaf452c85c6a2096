// Package seqcmd contains the seqconsensus command line.
package seqcmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

// NewRootCommand returns the seqconsensus command tree.
// The --log-level flag adjusts lvl, which should control log's handler.
func NewRootCommand(log *slog.Logger, lvl *slog.LevelVar) *cobra.Command {
	var level string

	cmd := &cobra.Command{
		Use:   "seqconsensus",
		Short: "Run and inspect sequencer consensus nodes",

		SilenceUsage: true,

		PersistentPreRunE: func(*cobra.Command, []string) error {
			if lvl == nil {
				return nil
			}
			if err := lvl.UnmarshalText([]byte(level)); err != nil {
				return fmt.Errorf("invalid --log-level: %w", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&level, "log-level", "info", "minimum log level (debug, info, warn, error)")

	cmd.AddCommand(
		newRunCommand(log),
		newStatusCommand(),
	)

	return cmd
}
