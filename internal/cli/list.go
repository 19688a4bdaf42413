package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/pipekit/pkg/model"
)

func newListCmd() *cobra.Command {
	var (
		limit int
		state string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs recorded by the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := model.ListOptions{Limit: limit}
			if state != "" {
				opts.Status = model.ParseRunStatus(state)
				if !opts.Status.IsKnown() {
					return fmt.Errorf("unknown run state %q", state)
				}
			}
			runs, err := newClient().ListRuns(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs found.")
				return nil
			}

			fmt.Fprintf(out, "%-42s  %-14s  %-24s  %s\n", "RUN", "STATUS", "EXPERIMENT", "CREATED")
			for _, r := range runs {
				fmt.Fprintf(out, "%-42s  %-14s  %-24s  %s\n", r.ID, r.Status, r.Experiment, r.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	cmd.Flags().StringVar(&state, "state", "", "Only runs in this state (e.g. running, completed, failed)")
	return cmd
}
