// Package loader reads declarative pipeline files and composes them into
// pipeline definitions through the builder.
//
// A pipeline file lists components, then pipelines in dependency order. The
// last pipeline (or the one named by "entry") is the one that runs:
//
//	experiment: nightly
//	components:
//	  - name: train
//	    outputs: [{name: model}]
//	    parameters: [{name: lr, default: "0.1"}]
//	    command: {args: [python, train.py, --lr, "{parameters.lr}", --out, "{outputs.model}"]}
//	  - file: components/eval.yaml
//	pipelines:
//	  - name: main
//	    parameters: [{name: lr}]
//	    nodes:
//	      - name: train
//	        component: train
//	        params: {lr: "{lr}"}
//	      - name: eval
//	        component: eval:2
//	        inputs: {model: train.model, data: {uri: "https://host/data/"}}
//	    outputs: {model: train.model}
//	parameters: {lr: "0.05"}
package loader

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/me/pipekit/internal/builder"
	"github.com/me/pipekit/internal/graph"
	"github.com/me/pipekit/pkg/model"
	"github.com/me/pipekit/pkg/pipeline"
)

// File is the document layout of a pipeline file.
type File struct {
	Experiment  string            `yaml:"experiment"`
	Description string            `yaml:"description"`
	Compute     string            `yaml:"compute"`
	Entry       string            `yaml:"entry"`
	Components  []ComponentEntry  `yaml:"components"`
	Pipelines   []PipelineSpec    `yaml:"pipelines"`
	Parameters  map[string]string `yaml:"parameters"`
	Tags        map[string]string `yaml:"tags"`
	// ContinueOnStepFailure keeps independent steps running after a failure.
	ContinueOnStepFailure bool `yaml:"continue_on_step_failure"`
}

// ComponentEntry is an inline component or a reference to a component file.
type ComponentEntry struct {
	File                         string `yaml:"file"`
	pipeline.ComponentDefinition `yaml:",inline"`
}

// PipelineSpec declares one pipeline.
type PipelineSpec struct {
	Name        string                  `yaml:"name"`
	Description string                  `yaml:"description"`
	Compute     string                  `yaml:"compute"`
	Datastore   string                  `yaml:"datastore"`
	Parameters  []pipeline.ParameterDef `yaml:"parameters"`
	Inputs      []pipeline.InputDef     `yaml:"inputs"`
	Nodes       []NodeSpec              `yaml:"nodes"`
	// Outputs maps public output names to "node.port".
	Outputs map[string]string `yaml:"outputs"`
}

// NodeSpec declares one node. Exactly one of Component and Pipeline is set.
type NodeSpec struct {
	Name      string                `yaml:"name"`
	Var       string                `yaml:"var"`
	Component string                `yaml:"component"`
	Pipeline  string                `yaml:"pipeline"`
	Compute   string                `yaml:"compute"`
	Params    map[string]string     `yaml:"params"`
	Inputs    map[string]InputSpec  `yaml:"inputs"`
	Outputs   map[string]OutputSpec `yaml:"outputs"`
	// RunSettings are passed through to the backend untouched.
	RunSettings map[string]any `yaml:"run_settings"`
}

// InputSpec binds an input port. The scalar forms are "$name" for an input
// or parameter of the enclosing pipeline and "node.port" for a sibling's
// output; the mapping form names a dataset, a URI or a host path.
type InputSpec struct {
	Ref           string `yaml:"-"`
	Dataset       string `yaml:"dataset"`
	URI           string `yaml:"uri"`
	Path          string `yaml:"path"`
	Mode          string `yaml:"mode"`
	PathOnCompute string `yaml:"path_on_compute"`
}

// UnmarshalYAML accepts both the scalar and the mapping form.
func (s *InputSpec) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		s.Ref = n.Value
		return nil
	}
	type plain InputSpec
	return n.Decode((*plain)(s))
}

// OutputSpec overrides where an output is stored.
type OutputSpec struct {
	Datastore   string `yaml:"datastore"`
	Path        string `yaml:"path"`
	Register    string `yaml:"register"`
	Description string `yaml:"description"`
}

// Result is a loaded pipeline file.
type Result struct {
	// Definition is the entry pipeline.
	Definition  *pipeline.Definition
	Definitions map[string]*pipeline.Definition
	Components  map[string]*pipeline.ComponentDefinition
	File        *File
}

// SubmitOptions returns the run-level options declared by the file.
func (r *Result) SubmitOptions() graph.SubmitOptions {
	return graph.SubmitOptions{
		ExperimentName:        r.File.Experiment,
		Description:           r.File.Description,
		ComputeTarget:         r.File.Compute,
		Tags:                  r.File.Tags,
		ContinueOnStepFailure: r.File.ContinueOnStepFailure,
	}
}

// Loader builds pipeline definitions from files.
type Loader struct {
	logger *slog.Logger
}

// New creates a Loader with the given logger.
func New(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger.With("component", "loader")}
}

// LoadFile reads and builds the pipeline file at path. Relative component
// files and host paths resolve against the file's directory.
func (l *Loader) LoadFile(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}
	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolve pipeline directory: %w", err)
	}
	return l.Load(data, base)
}

// Load builds a pipeline document with baseDir as its directory.
func (l *Loader) Load(data []byte, baseDir string) (*Result, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	if len(f.Pipelines) == 0 {
		return nil, model.NewUserError("pipeline file declares no pipelines")
	}

	res := &Result{
		Definitions: map[string]*pipeline.Definition{},
		Components:  map[string]*pipeline.ComponentDefinition{},
		File:        &f,
	}
	for i := range f.Components {
		c, err := l.component(&f.Components[i], baseDir)
		if err != nil {
			return nil, err
		}
		if _, dup := res.Components[c.ID()]; dup {
			return nil, model.NewUserError("component %s is declared twice", c.ID())
		}
		res.Components[c.ID()] = c
		// The bare name refers to the first version declared.
		if _, ok := res.Components[c.Name]; !ok {
			res.Components[c.Name] = c
		}
	}

	bctx := builder.NewContext(l.logger)
	for _, spec := range f.Pipelines {
		if _, dup := res.Definitions[spec.Name]; dup {
			return nil, model.NewUserError("pipeline %q is declared twice", spec.Name)
		}
		def, err := builder.Build(bctx, builder.Options{
			Name:             spec.Name,
			Description:      spec.Description,
			DefaultCompute:   spec.Compute,
			DefaultDatastore: spec.Datastore,
			Params:           spec.Parameters,
			Inputs:           spec.Inputs,
		}, func(fr *builder.Frame) (map[string]pipeline.OutputRef, error) {
			return l.body(fr, spec, res, baseDir)
		})
		if err != nil {
			return nil, err
		}
		res.Definitions[spec.Name] = def
	}

	entry := f.Entry
	if entry == "" {
		entry = f.Pipelines[len(f.Pipelines)-1].Name
	}
	res.Definition = res.Definitions[entry]
	if res.Definition == nil {
		return nil, model.NewUserError("entry pipeline %q is not declared", entry)
	}
	l.logger.Debug("pipeline file loaded", "entry", entry, "pipelines", len(res.Definitions), "components", len(f.Components))
	return res, nil
}

// component resolves an inline component or reads a component file.
func (l *Loader) component(e *ComponentEntry, baseDir string) (*pipeline.ComponentDefinition, error) {
	c := e.ComponentDefinition
	if e.File != "" {
		path := e.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read component file: %w", err)
		}
		c = pipeline.ComponentDefinition{}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse component file %s: %w", e.File, err)
		}
	}
	if c.Name == "" {
		return nil, model.NewUserError("component without a name")
	}
	if c.Command.IsEmpty() {
		return nil, model.NewUserError("component %s has no command", c.ID())
	}
	switch c.Mode {
	case "", model.ExecutionModeHost, model.ExecutionModeConda, model.ExecutionModeDocker:
	default:
		return nil, model.NewUserError("component %s: unknown mode %q", c.ID(), c.Mode)
	}
	return &c, nil
}

// body adds the nodes of spec to fr and returns the public outputs.
func (l *Loader) body(fr *builder.Frame, spec PipelineSpec, res *Result, baseDir string) (map[string]pipeline.OutputRef, error) {
	byName := map[string]*pipeline.Node{}
	nodes := make([]*pipeline.Node, 0, len(spec.Nodes))
	for _, ns := range spec.Nodes {
		var n *pipeline.Node
		switch {
		case ns.Component != "" && ns.Pipeline != "":
			return nil, model.NewUserError("node %q names both a component and a pipeline", ns.Name)
		case ns.Component != "":
			c, ok := res.Components[ns.Component]
			if !ok {
				return nil, model.NewUserError("node %q: unknown component %q", ns.Name, ns.Component)
			}
			n = pipeline.NewNode(c, ns.Name)
		case ns.Pipeline != "":
			d, ok := res.Definitions[ns.Pipeline]
			if !ok {
				return nil, model.NewUserError("node %q: pipeline %q must be declared before it is used", ns.Name, ns.Pipeline)
			}
			n = pipeline.NewSubNode(d, ns.Name)
		default:
			return nil, model.NewUserError("node %q names neither a component nor a pipeline", ns.Name)
		}
		if _, dup := byName[n.Name]; dup {
			return nil, model.NewUserError("pipeline %q: node name %q is not unique", spec.Name, n.Name)
		}

		var opts []builder.AddOption
		if ns.Var != "" {
			opts = append(opts, builder.WithVarName(ns.Var))
		}
		if ns.Compute != "" {
			opts = append(opts, builder.WithCompute(ns.Compute))
		}
		if _, err := fr.Add(n, opts...); err != nil {
			return nil, err
		}
		byName[n.Name] = n
		nodes = append(nodes, n)
	}

	// Bindings resolve after every node exists so "node.port" may refer
	// forward; the builder orders producers first.
	for i, ns := range spec.Nodes {
		n := nodes[i]
		for name, v := range ns.Params {
			src, err := pipeline.Template(v)
			if err != nil {
				return nil, fmt.Errorf("node %q parameter %q: %w", n.Name, name, err)
			}
			n.Set(name, src)
		}
		for name, in := range ns.Inputs {
			src, err := inputSource(in, byName, baseDir)
			if err != nil {
				return nil, fmt.Errorf("node %q input %q: %w", n.Name, name, err)
			}
			n.Bind(name, src)
			n.Inputs[name].Mode = in.Mode
			n.Inputs[name].PathOnCompute = in.PathOnCompute
		}
		for port, out := range ns.Outputs {
			if !n.HasOutput(port) {
				return nil, model.NewUserError("node %q has no output %q", n.Name, port)
			}
			n.Outputs[port] = &pipeline.OutputSettings{
				Datastore:           out.Datastore,
				PathOnDatastore:     out.Path,
				RegisterName:        out.Register,
				RegisterDescription: out.Description,
			}
		}
		n.RunSettings = ns.RunSettings
	}

	outputs := make(map[string]pipeline.OutputRef, len(spec.Outputs))
	for name, ref := range spec.Outputs {
		o, err := outputRef(ref, byName)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q output %q: %w", spec.Name, name, err)
		}
		outputs[name] = o
	}
	return outputs, nil
}

func inputSource(in InputSpec, nodes map[string]*pipeline.Node, baseDir string) (pipeline.Source, error) {
	switch {
	case in.Ref != "":
		if name, ok := strings.CutPrefix(in.Ref, "$"); ok {
			return pipeline.Ref(name), nil
		}
		return outputRef(in.Ref, nodes)
	case in.Dataset != "":
		v := in.Dataset
		if !strings.HasPrefix(v, "azureml:") {
			v = "azureml:" + v
		}
		return graph.DatasetFromValue(v), nil
	case in.URI != "":
		return graph.DatasetFromValue(in.URI), nil
	case in.Path != "":
		p := in.Path
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		return pipeline.HostPath{Path: p}, nil
	}
	return nil, model.NewUserError("empty input binding")
}

func outputRef(ref string, nodes map[string]*pipeline.Node) (pipeline.OutputRef, error) {
	name, port, ok := strings.Cut(ref, ".")
	if !ok || name == "" || port == "" {
		return pipeline.OutputRef{}, model.NewUserError("%q is not of the form node.port", ref)
	}
	n, ok := nodes[name]
	if !ok {
		return pipeline.OutputRef{}, model.NewUserError("unknown node %q", name)
	}
	if !n.HasOutput(port) {
		return pipeline.OutputRef{}, model.NewUserError("node %q has no output %q", name, port)
	}
	return n.Out(port), nil
}
