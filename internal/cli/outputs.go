package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/pipekit/internal/run"
)

func newOutputsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "outputs <run-id> [step]",
		Short: "List the outputs of a run or of one step",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			r := remoteRun(newClient(), args[0], "", cmd.OutOrStdout())

			var outs []*run.Output
			var err error
			if len(args) == 2 {
				var s *run.Step
				if s, err = r.Step(ctx, args[1]); err != nil {
					return err
				}
				outs, err = s.GetOutputs(ctx)
			} else {
				outs, err = r.GetOutputs(ctx)
			}
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if len(outs) == 0 {
				fmt.Fprintln(w, "No outputs.")
				return nil
			}
			fmt.Fprintf(w, "%-20s  %-16s  %-10s  %s\n", "STEP", "OUTPUT", "DATASTORE", "LOCATION")
			for _, o := range outs {
				loc := o.Locator
				if !o.Produced() {
					loc = "(not produced)"
				}
				fmt.Fprintf(w, "%-20s  %-16s  %-10s  %s\n", o.StepName, o.Name, o.Datastore, loc)
			}
			return nil
		},
	}
}
