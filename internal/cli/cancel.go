package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().CancelRun(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("cancel run: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancel requested for run %s\n", args[0])
			return nil
		},
	}
}
