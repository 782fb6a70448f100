package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skein-run/skein/pkg/dsl"
	"github.com/skein-run/skein/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan-file>",
		Short: "Parse and validate a plan file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read plan: %w", err)
			}

			diags, err := engine.Lint(string(source))
			if err != nil {
				return err
			}
			if jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(diags)
			}

			failed := false
			for _, d := range diags {
				fmt.Fprintf(cmd.OutOrStdout(), "%s:%d: %s: %s\n", args[0], d.Line, d.Severity, d.Message)
				if d.Severity == dsl.SeverityError {
					failed = true
				}
			}
			if failed {
				return fmt.Errorf("plan has validation errors")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: plan is valid\n", args[0])
			return nil
		},
	}
}
