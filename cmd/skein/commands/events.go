package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skein-run/skein/pkg/config"
)

func newEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "events <run-id>",
		Short: "Show the ordered event stream of a stored run",
		Long: `Loads a run's event stream from the store, verifies its hash chain,
and prints it in sequence order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.ListEvents(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}

			out := cmd.OutOrStdout()
			for _, evt := range events {
				node := evt.NodeName
				if node == "" {
					node = "-"
				}
				fmt.Fprintf(out, "%6d  %-28s %-20s %s\n",
					evt.Seq, evt.Type, node, evt.Timestamp.Format(time.RFC3339))
			}
			fmt.Fprintf(out, "%d events, hash chain verified\n", len(events))
			return nil
		},
	}
}
