package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/pipekit/pkg/model"
)

func newPublishCmd() *cobra.Command {
	var flags compileFlags
	var (
		name        string
		description string
		version     string
		endpoint    string
		useExisting bool
	)

	cmd := &cobra.Command{
		Use:   "publish <pipeline-file>",
		Short: "Publish a pipeline, optionally under an endpoint",
		Long: `Publishes the entry pipeline of a pipeline file as a versioned pipeline.
With --endpoint the pipeline becomes the newest version of that endpoint;
an existing endpoint is only extended with --use-existing-endpoint.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.compile(args[0])
			if err != nil {
				return err
			}
			if name == "" {
				name = c.pipeline.Name
			}
			pr := &model.PublishRequest{
				Name:                name,
				Description:         description,
				Version:             version,
				Request:             c.request,
				UseExistingEndpoint: useExisting,
			}

			cl := newClient()
			var p *model.PublishedPipeline
			if endpoint != "" {
				p, err = cl.PublishToEndpoint(cmd.Context(), endpoint, pr)
			} else {
				p, err = cl.Publish(cmd.Context(), pr)
			}
			if err != nil {
				return fmt.Errorf("publish: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Published pipeline: %s\n", p.ID)
			fmt.Fprintf(out, "  Name:     %s\n", p.Name)
			if p.Version != "" {
				fmt.Fprintf(out, "  Version:  %s\n", p.Version)
			}
			if p.EndpointName != "" {
				fmt.Fprintf(out, "  Endpoint: %s\n", p.EndpointName)
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&name, "name", "", "Published name (default: the pipeline name)")
	cmd.Flags().StringVar(&description, "description", "", "Description")
	cmd.Flags().StringVar(&version, "version", "", "Version label (default: assigned by the server for endpoints)")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Publish under this endpoint")
	cmd.Flags().BoolVar(&useExisting, "use-existing-endpoint", false, "Add a version to an existing endpoint")
	return cmd
}
