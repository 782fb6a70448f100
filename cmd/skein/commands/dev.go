package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skein-run/skein/pkg/config"
	"github.com/skein-run/skein/pkg/dsl"
	"github.com/skein-run/skein/pkg/engine"
)

func newDevCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dev <plan-file>",
		Short: "Watch a plan file and recompile on every change",
		Long: `Watches the plan file and, on each save, re-parses, re-validates and
re-compiles it, printing diagnostics and the new graph hash. Useful as
a live feedback loop while writing plans.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			check := func() {
				out := cmd.OutOrStdout()
				source, err := os.ReadFile(path)
				if err != nil {
					fmt.Fprintf(out, "%s: %v\n", path, err)
					return
				}
				diags, err := engine.Lint(string(source))
				if err != nil {
					fmt.Fprintf(out, "%s: %v\n", path, err)
					return
				}
				clean := true
				for _, d := range diags {
					fmt.Fprintf(out, "%s:%d: %s: %s\n", path, d.Line, d.Severity, d.Message)
					if d.Severity == dsl.SeverityError {
						clean = false
					}
				}
				if !clean {
					return
				}
				plan, err := engine.Compile(string(source))
				if err != nil {
					fmt.Fprintf(out, "%s: %v\n", path, err)
					return
				}
				hash, err := plan.CanonicalHash()
				if err != nil {
					fmt.Fprintf(out, "%s: %v\n", path, err)
					return
				}
				fmt.Fprintf(out, "%s: ok, %d nodes, hash %s\n",
					path, len(plan.Graph.Nodes), hash[:12])
			}

			check()
			return config.Watch(cmd.Context(), path, check)
		},
	}
}
