package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/pipekit/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the pipekit version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "pipekit %s\n", version.Get())
			return nil
		},
	}
}
