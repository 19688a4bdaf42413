package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/me/pipekit/internal/config"
	"github.com/me/pipekit/internal/logging"
)

var (
	flagConfig    string
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	cfg    *config.ClientConfig
	logger *slog.Logger
)

// NewRootCmd creates the root cobra command for the pipekit CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pipekit",
		Short: "pipekit builds, validates and runs ML pipelines",
		Long: `pipekit composes pipelines from YAML component and pipeline declarations,
validates them, runs them on this machine or submits them to a pipekit server.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadClient(flagConfig)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("server") {
				c.Server = flagServer
			}
			if cmd.Flags().Changed("log-level") {
				c.LogLevel = flagLogLevel
			}
			if cmd.Flags().Changed("log-format") {
				c.LogFormat = flagLogFormat
			}
			if flagDebug {
				c.LogLevel = "debug"
			}
			cfg = &c
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(c.LogLevel), c.LogFormat, cmd.ErrOrStderr())
			logging.SetDefault(logger)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Client config file (default ~/.pipekit/config.yaml)")
	root.PersistentFlags().StringVar(&flagServer, "server", config.DefaultServerURL, fmt.Sprintf("pipekit server URL (or %s env)", config.EnvServer))
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newValidateCmd(),
		newRunCmd(),
		newSubmitCmd(),
		newPublishCmd(),
		newListCmd(),
		newStatusCmd(),
		newWaitCmd(),
		newLogsCmd(),
		newOutputsCmd(),
		newDownloadCmd(),
		newCancelCmd(),
		newVersionCmd(),
	)

	return root
}
