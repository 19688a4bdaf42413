package cli

import (
	"io"

	"github.com/me/pipekit/internal/client"
	"github.com/me/pipekit/internal/datastore"
	"github.com/me/pipekit/internal/run"
)

// newClient returns a client for the configured server.
func newClient() *client.Client {
	t := client.NewHTTPTransport(cfg.Server, client.DefaultRetryConfig(), logger)
	return client.New(t, logger, client.WithPollInterval(cfg.PollInterval))
}

// remoteRun returns a handle on a run served by the configured server.
func remoteRun(c *client.Client, runID, experiment string, out io.Writer) *run.Run {
	return run.New(c, runID, experiment,
		run.WithPollInterval(cfg.PollInterval),
		run.WithOutput(out),
		run.WithDatastores(datastore.NewResolver(cfg.Datastores, logger)),
		run.WithLogger(logger),
	)
}
