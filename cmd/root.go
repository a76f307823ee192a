// Package cmd wires the CLI surface: serving the HTTP API, indexing
// files, and querying the engine from the terminal.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/nmoray/ragcore/internal/log"
)

var (
	flagVerbose bool
	flagJSONLog bool
)

var rootCmd = &cobra.Command{
	Use:   "ragcore",
	Short: "ragcore - retrieval-augmented generation over your documents",
	Long: `ragcore indexes documents into PostgreSQL with pgvector and answers
questions about them using a local or remote language model.

Run "ragcore serve" to start the HTTP API, or use the index/query/ask
commands directly from the terminal.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSONLog, "json-log", false, "emit logs as JSON")
}

func newLogger() log.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	return log.New(log.Config{Level: level, JSON: flagJSONLog})
}
