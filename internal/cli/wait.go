package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/me/pipekit/internal/run"
)

func newWaitCmd() *cobra.Command {
	var (
		timeout time.Duration
		quiet   bool
	)

	cmd := &cobra.Command{
		Use:   "wait <run-id>",
		Short: "Wait for a run to finish",
		Long: `Polls the run until it reaches a terminal status, streaming step status and
logs. Exits non-zero when the run fails. Stopping the wait does not cancel
the run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := remoteRun(newClient(), args[0], "", cmd.OutOrStdout())
			_, err := r.WaitForCompletion(cmd.Context(), run.WaitOptions{
				ShowOutput:   !quiet,
				Timeout:      timeout,
				RaiseOnError: true,
			})
			return err
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Stop waiting after this long (0 waits indefinitely)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not stream status and logs")
	return cmd
}
