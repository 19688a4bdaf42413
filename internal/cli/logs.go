package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/me/pipekit/internal/client"
	"github.com/me/pipekit/internal/run"
)

func newLogsCmd() *cobra.Command {
	var (
		file string
		all  bool
	)

	cmd := &cobra.Command{
		Use:   "logs <run-id> [step]",
		Short: "Print step logs of a run",
		Long: `Prints the primary log of one step, or of every step when no step is
given. A step is named by its display name or graph node id.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			c := newClient()
			r := remoteRun(c, args[0], "", out)

			var steps []*run.Step
			if len(args) == 2 {
				s, err := r.Step(ctx, args[1])
				if err != nil {
					return err
				}
				steps = []*run.Step{s}
			} else {
				var err error
				if steps, err = r.Steps(ctx); err != nil {
					return err
				}
			}

			for _, s := range steps {
				files, err := c.ListLogFiles(ctx, r.ID(), s.NodeID)
				if err != nil {
					return fmt.Errorf("list logs of %s: %w", s.Name, err)
				}
				if len(files) == 0 {
					continue
				}
				names := []string{files[0].Name}
				switch {
				case file != "":
					names = []string{file}
				case all:
					names = names[:0]
					for _, f := range files {
						names = append(names, f.Name)
					}
				}
				for _, name := range names {
					if len(steps) > 1 || len(names) > 1 {
						fmt.Fprintf(out, "=== %s (%s) ===\n", s.Name, name)
					}
					if err := copyLog(ctx, c, out, r.ID(), s.NodeID, name); err != nil {
						return fmt.Errorf("read %s of %s: %w", name, s.Name, err)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Log file to print (default: the primary log)")
	cmd.Flags().BoolVar(&all, "all", false, "Print every log file of the step")
	return cmd
}

// copyLog writes a whole log file to w, chunk by chunk.
func copyLog(ctx context.Context, c *client.Client, w io.Writer, runID, nodeID, name string) error {
	var offset int64
	for {
		chunk, err := c.GetLogs(ctx, runID, nodeID, name, offset)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, chunk.Data); err != nil {
			return err
		}
		if chunk.NextOffset <= offset {
			return nil
		}
		offset = chunk.NextOffset
	}
}
