package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	appVersion = "dev"
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	appVersion = version
	rootCmd := &cobra.Command{
		Use:   "skein",
		Short: "Skein - plan compiler and execution engine",
		Long: `Skein compiles plan files into control-flow graphs and executes them
deterministically.

Features:
  - Plan language with tasks, conditionals, loops and retry blocks
  - Deterministic compilation to a typed control-flow graph
  - Ordered, hash-chained event streams
  - SQLite persistence of plans, runs and events
  - Rego policy gate over task dispatch`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newCompileCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newDevCommand())

	return rootCmd
}
