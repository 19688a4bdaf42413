package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/pipekit/internal/datastore"
	"github.com/me/pipekit/internal/orchestrator"
	"github.com/me/pipekit/internal/run"
	"github.com/me/pipekit/pkg/model"
)

// localPollInterval spaces status reads of a run executing in this process.
const localPollInterval = 250 * time.Millisecond

func newRunCmd() *cobra.Command {
	var flags compileFlags
	var (
		workDir          string
		maxWorkers       int
		timeout          time.Duration
		forceArchiveCopy bool
		outDir           string
		quiet            bool
	)

	cmd := &cobra.Command{
		Use:   "run <pipeline-file>",
		Short: "Run a pipeline on this machine",
		Long: `Validates the pipeline file and executes it with the local orchestrator.
Steps run as host processes, in conda environments or in docker containers
depending on their component's mode. Step logs are streamed to stdout.

Interrupting the command cancels the run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.compile(args[0])
			if err != nil {
				return err
			}

			local := cfg.Local
			if cmd.Flags().Changed("workdir") {
				local.WorkDir = workDir
			}
			if cmd.Flags().Changed("max-workers") {
				local.MaxWorkers = maxWorkers
			}
			if cmd.Flags().Changed("timeout") {
				local.Timeout = timeout
			}
			if forceArchiveCopy {
				local.ForceArchiveCopy = true
			}

			stores := datastore.NewResolver(cfg.Datastores, logger)
			orch := orchestrator.New(local.Orchestrator(), logger, orchestrator.WithFetcher(stores))

			ctx := cmd.Context()
			exec, err := orch.Start(ctx, c.request, orchestrator.StartOptions{})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !quiet {
				describe(cmd, c)
				fmt.Fprintf(out, "Run directory: %s\n", exec.Root())
			}
			r := run.New(run.NewLocal(orch), exec.ID(), c.request.ExperimentName,
				run.WithPollInterval(localPollInterval),
				run.WithOutput(out),
				run.WithDatastores(stores),
				run.WithLogger(logger),
			)
			_, err = r.WaitForCompletion(ctx, run.WaitOptions{ShowOutput: !quiet, RaiseOnError: true})
			if model.HasKind(err, model.KindCancellation) {
				// The run belongs to this process; stopping the wait stops it.
				exec.Cancel()
				waitCtx, cancel := context.WithTimeout(context.Background(), local.GracePeriod+5*time.Second)
				defer cancel()
				if werr := exec.Wait(waitCtx); werr != nil {
					logger.Debug("canceled run finished", "error", werr)
				}
				return model.Cancellation(fmt.Sprintf("run %s canceled", exec.ID()), ctx.Err())
			}
			if err != nil {
				return err
			}

			if outDir != "" {
				return downloadAll(ctx, r, outDir, !quiet)
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&workDir, "workdir", "", "Directory for run working directories (or PIPEKIT_WORKDIR env)")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "Maximum number of steps running at once")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Cancel the run after this long (0 disables)")
	cmd.Flags().BoolVar(&forceArchiveCopy, "force-archive-copy", false, "Copy container volumes with archives instead of bind mounts")
	cmd.Flags().StringVar(&outDir, "outdir", "", "Download every step output into this directory")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress and step logs")

	return cmd
}

// downloadAll copies every produced output into dir/<step>/<output>.
func downloadAll(ctx context.Context, r *run.Run, dir string, progress bool) error {
	outs, err := r.GetOutputs(ctx)
	if err != nil {
		return err
	}
	for _, o := range outs {
		if !o.Produced() {
			continue
		}
		if _, err := o.Download(ctx, filepath.Join(dir, o.StepName), true, progress); err != nil {
			return err
		}
	}
	return nil
}
