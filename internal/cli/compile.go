package cli

import (
	"fmt"
	"maps"
	"strings"

	"github.com/spf13/cobra"

	"github.com/me/pipekit/internal/graph"
	"github.com/me/pipekit/internal/loader"
	"github.com/me/pipekit/internal/validate"
	"github.com/me/pipekit/pkg/model"
	"github.com/me/pipekit/pkg/pipeline"
)

// compileFlags are shared by the commands that take a pipeline file.
type compileFlags struct {
	params     []string
	experiment string
	runID      string
	compute    string
	idempotent bool
}

func (f *compileFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVarP(&f.params, "param", "p", nil, "Pipeline parameter as name=value (repeatable)")
	cmd.Flags().StringVar(&f.experiment, "experiment", "", "Experiment name (default: the file's experiment or pipeline name)")
	cmd.Flags().StringVar(&f.runID, "run-id", "", "Run id to submit under")
	cmd.Flags().StringVar(&f.compute, "compute", "", "Default compute target")
	cmd.Flags().BoolVar(&f.idempotent, "idempotent", false, "Derive the run id from the graph so resubmission reuses the run")
}

// compiled is a loaded, validated and materialized pipeline file.
type compiled struct {
	loaded     *loader.Result
	pipeline   *pipeline.Pipeline
	validation *validate.Result
	result     *graph.Result
	request    *model.SubmitRequest
}

// parseParams parses name=value pairs.
func parseParams(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, model.NewUserError("parameter %q is not of the form name=value", p)
		}
		out[k] = v
	}
	return out, nil
}

// load reads path and instantiates its entry pipeline with the file's
// parameters overlaid by the flags.
func (f *compileFlags) load(path string) (*compiled, error) {
	res, err := loader.New(logger).LoadFile(path)
	if err != nil {
		return nil, err
	}
	overrides, err := parseParams(f.params)
	if err != nil {
		return nil, err
	}
	params := maps.Clone(res.File.Parameters)
	if params == nil {
		params = map[string]string{}
	}
	maps.Copy(params, overrides)

	p, err := res.Definition.Instantiate(pipeline.Literals(params))
	if err != nil {
		return nil, err
	}
	v, err := validate.New(logger).Validate(p, validate.Options{})
	if err != nil {
		return nil, err
	}
	return &compiled{loaded: res, pipeline: p, validation: v}, nil
}

// compile loads path, fails on validation errors and builds the submission.
func (f *compileFlags) compile(path string) (*compiled, error) {
	c, err := f.load(path)
	if err != nil {
		return nil, err
	}
	if err := c.validation.Err(); err != nil {
		return nil, err
	}
	if err := f.materialize(c); err != nil {
		return nil, err
	}
	logger.Debug("pipeline compiled", "file", path, "experiment", c.request.ExperimentName,
		"nodes", len(c.result.Graph.Nodes), "run_id", c.request.RunID)
	return c, nil
}

// materialize builds the graph and the submission of a validated pipeline.
func (f *compileFlags) materialize(c *compiled) error {
	var err error
	c.result, err = graph.New(logger).Materialize(c.pipeline, nil)
	if err != nil {
		return err
	}

	opts := c.loaded.SubmitOptions()
	if f.experiment != "" {
		opts.ExperimentName = f.experiment
	}
	if opts.ExperimentName == "" {
		opts.ExperimentName = c.pipeline.Name
	}
	if f.compute != "" {
		opts.ComputeTarget = f.compute
	}
	opts.RunID = f.runID
	if opts.RunID == "" && f.idempotent {
		fp, err := c.result.Fingerprint()
		if err != nil {
			return err
		}
		opts.RunID = fp
	}
	c.request = graph.BuildSubmitRequest(c.result, opts)
	return nil
}

// describe prints a one-line summary of a compiled pipeline.
func describe(cmd *cobra.Command, c *compiled) {
	g := c.result.Graph
	fmt.Fprintf(cmd.OutOrStdout(), "Pipeline %s: %d steps, %d datasets, %d edges\n",
		c.pipeline.Name, len(g.Nodes), len(g.DatasetNodes), len(g.Edges))
}
