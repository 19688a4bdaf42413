package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDownloadCmd() *cobra.Command {
	var (
		dest      string
		overwrite bool
		quiet     bool
	)

	cmd := &cobra.Command{
		Use:   "download <run-id> <step> <output>",
		Short: "Download a step output",
		Long: `Copies a step output from its datastore (local disk, Azure Blob Storage or
S3) into <dest>/<output>.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			r := remoteRun(newClient(), args[0], "", cmd.OutOrStdout())
			s, err := r.Step(ctx, args[1])
			if err != nil {
				return err
			}
			o, err := s.Output(ctx, args[2])
			if err != nil {
				return err
			}
			path, err := o.Download(ctx, dest, overwrite, !quiet)
			if err != nil {
				return err
			}
			if path == "" {
				return fmt.Errorf("output %s.%s has not been produced", s.Name, o.Name)
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dest, "dest", "d", ".", "Directory to download into")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing download")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only print the downloaded path")
	return cmd
}
