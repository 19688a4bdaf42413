package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newValidateCmd() *cobra.Command {
	var flags compileFlags
	var printFormat string

	cmd := &cobra.Command{
		Use:   "validate <pipeline-file>",
		Short: "Validate a pipeline file",
		Long: `Loads the pipeline file, instantiates its entry pipeline and reports every
validation problem. With --print the materialized submission is written to stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.load(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !c.validation.Passed() {
				fmt.Fprintf(out, "Pipeline %s has %d problem(s):\n", c.pipeline.Name, len(c.validation.Diagnostics))
				for _, d := range c.validation.Diagnostics {
					fmt.Fprintf(out, "  - [%s] %s\n", d.Code, d.Message)
				}
				return c.validation.Err()
			}

			if err := flags.materialize(c); err != nil {
				return err
			}
			switch printFormat {
			case "":
				describe(cmd, c)
				fmt.Fprintln(out, "Validation passed.")
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(c.request)
			case "yaml":
				return yaml.NewEncoder(out).Encode(c.request)
			default:
				return fmt.Errorf("unknown print format %q (json, yaml)", printFormat)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&printFormat, "print", "", "Print the submission request (json, yaml)")
	return cmd
}
