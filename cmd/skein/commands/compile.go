package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skein-run/skein/pkg/engine"
)

func newCompileCommand() *cobra.Command {
	var dotOutput bool

	cmd := &cobra.Command{
		Use:   "compile <plan-file>",
		Short: "Compile a plan file to its control-flow graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read plan: %w", err)
			}
			plan, err := engine.Compile(string(source))
			if err != nil {
				return err
			}

			if dotOutput {
				fmt.Fprint(cmd.OutOrStdout(), plan.Graph.ToDOT())
				return nil
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(plan.Graph)
			}

			hash, err := plan.CanonicalHash()
			if err != nil {
				return err
			}
			summary := plan.Summarize()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "graph hash: %s\n", hash)
			fmt.Fprintf(out, "nodes: %d (tasks %d, decisions %d, loops %d, retries %d)\n",
				summary.Nodes, len(summary.Tasks), summary.Decisions, summary.Loops, summary.Retries)
			for _, task := range summary.Tasks {
				fmt.Fprintf(out, "  task %s\n", task)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dotOutput, "dot", false, "emit Graphviz DOT instead of a summary")
	return cmd
}
