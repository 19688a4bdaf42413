package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/pipekit/internal/run"
	"github.com/me/pipekit/pkg/model"
)

func newSubmitCmd() *cobra.Command {
	var flags compileFlags
	var (
		wait        bool
		draft       string
		endpoint    string
		version     string
		description string
	)

	cmd := &cobra.Command{
		Use:   "submit [pipeline-file]",
		Short: "Submit a pipeline run to the server",
		Long: `Submits the entry pipeline of a pipeline file as a new run. With --draft the
submission is saved as a draft instead of being run. With --endpoint and no
file, the default (or --version) pipeline of a published endpoint is run.`,
		Args: cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			c := newClient()

			var resp *model.SubmitResponse
			switch {
			case len(args) == 0 && endpoint != "":
				if flags.experiment == "" {
					return model.NewUserError("--experiment is required when submitting an endpoint")
				}
				params, err := parseParams(flags.params)
				if err != nil {
					return err
				}
				resp, err = c.SubmitEndpoint(ctx, endpoint, &model.EndpointSubmitRequest{
					ExperimentName:     flags.experiment,
					Version:            version,
					PipelineParameters: params,
				})
				if err != nil {
					return fmt.Errorf("submit endpoint %s: %w", endpoint, err)
				}
			case len(args) == 1:
				p, err := flags.compile(args[0])
				if err != nil {
					return err
				}
				if description != "" {
					p.request.Description = description
				}
				if draft != "" {
					d, err := c.SaveDraft(ctx, draft, p.request)
					if err != nil {
						return fmt.Errorf("save draft: %w", err)
					}
					fmt.Fprintf(out, "Draft saved: %s\n", d.ID)
					return nil
				}
				resp, err = c.SubmitRun(ctx, p.request)
				if err != nil {
					return fmt.Errorf("submit run: %w", err)
				}
			default:
				return model.NewUserError("submit needs a pipeline file or --endpoint")
			}

			fmt.Fprintf(out, "Run submitted: %s\n", resp.RunID)
			fmt.Fprintf(out, "  Experiment: %s\n", resp.ExperimentName)
			fmt.Fprintf(out, "  Status:     %s\n", resp.Status)
			if !wait {
				return nil
			}
			r := remoteRun(c, resp.RunID, resp.ExperimentName, out)
			_, err := r.WaitForCompletion(ctx, run.WaitOptions{ShowOutput: true, RaiseOnError: true})
			return err
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the run and stream its logs")
	cmd.Flags().StringVar(&draft, "draft", "", "Save the submission as a draft with this name instead of running it")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Run a published endpoint instead of a pipeline file")
	cmd.Flags().StringVar(&version, "version", "", "Endpoint version (default: the endpoint's default)")
	cmd.Flags().StringVar(&description, "description", "", "Run description")

	return cmd
}
