// Package graph materializes an in-memory pipeline into the flat wire-format
// graph used for remote submission and by the local backend.
package graph

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"sort"
	"strings"

	"github.com/me/pipekit/internal/naming"
	"github.com/me/pipekit/pkg/model"
	"github.com/me/pipekit/pkg/paramexpr"
	"github.com/me/pipekit/pkg/pipeline"
)

// DatasetPort is the port name used for edges leaving dataset nodes.
const DatasetPort = "data"

// Result is a materialized pipeline.
type Result struct {
	Graph       *model.GraphEntity
	Parameters  map[string]string
	RunSettings []model.ModuleNodeRunSetting
	Modules     map[string]model.ModuleDefinition
	// Datasets binds dataset-typed pipeline parameters to dataset nodes.
	Datasets map[string]model.DataSetDefinitionValue
	// Order lists graph node ids in dependency order.
	Order []string
}

// Materializer translates pipelines into graphs.
type Materializer struct {
	logger *slog.Logger
}

// New creates a Materializer.
func New(logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{logger: logger.With("component", "materializer")}
}

// GraphNodeID returns the graph node id for an instance id.
func GraphNodeID(instanceID string) string {
	return naming.StableID("node", instanceID)
}

// Materialize flattens p and resolves every binding with the final
// pipeline-parameter map: values bound at instantiation overlaid with params.
func (m *Materializer) Materialize(p *pipeline.Pipeline, params map[string]string) (*Result, error) {
	final := p.ParameterValues()
	maps.Copy(final, params)

	flat, err := p.Flatten()
	if err != nil {
		return nil, err
	}
	nodes, acyclic := pipeline.Toposort(flat.Nodes)
	if !acyclic {
		return nil, model.NewUserError("pipeline %q contains a dependency cycle", p.Name)
	}

	b := &builder{
		pipeline: p,
		params:   final,
		graph: &model.GraphEntity{
			ModuleNodeToGraphNodeMapping: map[string]string{},
			Outputs:                      map[string]model.PortRef{},
			DefaultCompute:               p.DefaultCompute,
			DefaultDatastore:             p.DefaultDatastore,
		},
		datasets:    map[string]bool{},
		modules:     map[string]model.ModuleDefinition{},
		assignments: map[string]model.DataSetDefinitionValue{},
	}
	for _, n := range nodes {
		b.graph.ModuleNodeToGraphNodeMapping[n.ID] = GraphNodeID(n.ID)
	}
	for _, n := range nodes {
		if err := b.addNode(n); err != nil {
			return nil, err
		}
	}
	for _, name := range sortedKeys(flat.Outputs) {
		ref := flat.Outputs[name]
		b.graph.Outputs[name] = model.PortRef{NodeID: GraphNodeID(ref.Node.ID), PortName: ref.Port}
	}

	m.logger.Debug("materialized pipeline",
		"pipeline", p.Name,
		"nodes", len(b.graph.Nodes),
		"datasets", len(b.graph.DatasetNodes),
		"edges", len(b.graph.Edges),
	)
	return &Result{
		Graph:       b.graph,
		Parameters:  final,
		RunSettings: b.runSettings,
		Modules:     b.modules,
		Datasets:    b.assignments,
		Order:       b.order,
	}, nil
}

type builder struct {
	pipeline    *pipeline.Pipeline
	params      map[string]string
	graph       *model.GraphEntity
	datasets    map[string]bool
	modules     map[string]model.ModuleDefinition
	assignments map[string]model.DataSetDefinitionValue
	runSettings []model.ModuleNodeRunSetting
	order       []string
}

func (b *builder) addNode(n *pipeline.Node) error {
	c := n.Component
	id := GraphNodeID(n.ID)
	b.order = append(b.order, id)
	b.modules[c.ID()] = c.Module()

	gn := model.GraphModuleNode{
		ID:         id,
		ModuleID:   c.ID(),
		Name:       n.Name,
		Parameters: map[string]string{},
		Compute:    firstNonEmpty(n.Compute, c.DefaultCompute, b.pipeline.DefaultCompute),
	}

	for _, pd := range c.Parameters {
		src, ok := n.Params[pd.Name]
		if !ok {
			if pd.Default != nil {
				gn.Parameters[pd.Name] = *pd.Default
			}
			continue
		}
		v, err := b.resolveParam(src)
		if err != nil {
			return fmt.Errorf("node %q parameter %q: %w", n.Name, pd.Name, err)
		}
		gn.Parameters[pd.Name] = v
	}

	settings := maps.Clone(c.RunSettings)
	if settings == nil {
		settings = map[string]any{}
	}
	maps.Copy(settings, n.RunSettings)
	gn.RunSettings = settings
	b.runSettings = append(b.runSettings, model.ModuleNodeRunSetting{NodeID: id, ModuleID: c.ID(), RunSettings: settings})

	for _, name := range sortedKeys(n.Inputs) {
		in := n.Inputs[name]
		if in.Source == nil {
			continue
		}
		from, err := b.inputSource(in.Source)
		if err != nil {
			return fmt.Errorf("node %q input %q: %w", n.Name, name, err)
		}
		b.graph.Edges = append(b.graph.Edges, model.GraphEdge{
			Source:      from,
			Destination: model.PortRef{NodeID: id, PortName: name},
		})
		if in.Mode != "" || in.PathOnCompute != "" {
			gn.InputSettings = append(gn.InputSettings, model.InputSetting{Name: name, Mode: in.Mode, PathOnCompute: in.PathOnCompute})
		}
	}

	for _, out := range c.Outputs {
		s := n.Outputs[out.Name]
		if s == nil && b.pipeline.DefaultDatastore == "" {
			continue
		}
		setting := model.OutputSetting{Name: out.Name, DatastoreName: b.pipeline.DefaultDatastore}
		if s != nil {
			setting.DatastoreName = firstNonEmpty(s.Datastore, b.pipeline.DefaultDatastore)
			setting.PathOnDatastore = s.PathOnDatastore
			setting.RegisterName = s.RegisterName
			setting.RegisterDesc = s.RegisterDescription
		}
		gn.OutputSettings = append(gn.OutputSettings, setting)
	}

	b.graph.Nodes = append(b.graph.Nodes, gn)
	return nil
}

func (b *builder) resolveParam(src pipeline.Source) (string, error) {
	switch s := src.(type) {
	case pipeline.Literal:
		return s.Value, nil
	case pipeline.ParamRef:
		v, ok := b.params[s.Name]
		if !ok {
			return "", model.UnresolvedParameter(s.Name)
		}
		return v, nil
	case pipeline.Expr:
		return b.resolveExpr(s.Assignment)
	case pipeline.HostPath:
		return s.Path, nil
	case pipeline.DatasetRef:
		return s.Locator, nil
	default:
		return "", model.UnsupportedInputKind(fmt.Sprintf("%T", src))
	}
}

func (b *builder) resolveExpr(a paramexpr.Assignment) (string, error) {
	res := paramexpr.Resolve(a, b.params)
	if !res.Resolved {
		return "", model.UnresolvedParameter(res.Partial.Unbound()[0])
	}
	return res.Literal, nil
}

func (b *builder) inputSource(src pipeline.Source) (model.PortRef, error) {
	switch s := src.(type) {
	case pipeline.OutputRef:
		id, ok := b.graph.ModuleNodeToGraphNodeMapping[s.Node.ID]
		if !ok {
			return model.PortRef{}, model.OutOfScopeInput(s.String())
		}
		return model.PortRef{NodeID: id, PortName: s.Port}, nil
	case pipeline.DatasetRef:
		return b.dataset(s)
	case pipeline.HostPath:
		abs, err := filepath.Abs(s.Path)
		if err != nil {
			return model.PortRef{}, err
		}
		return b.dataset(pipeline.DatasetRef{Kind: model.DatasetKindLocalPath, Locator: abs})
	case pipeline.ParamRef:
		v, ok := b.params[s.Name]
		if !ok {
			return model.PortRef{}, model.UnresolvedParameter(s.Name)
		}
		ds := DatasetFromValue(v)
		ref, err := b.dataset(ds)
		if err != nil {
			return model.PortRef{}, err
		}
		b.assignments[s.Name] = model.DataSetDefinitionValue{DatasetNodeID: ref.NodeID, Kind: ds.Kind, Locator: ds.Locator}
		return ref, nil
	case pipeline.Expr:
		v, err := b.resolveExpr(s.Assignment)
		if err != nil {
			return model.PortRef{}, err
		}
		return b.dataset(DatasetFromValue(v))
	case pipeline.Literal:
		return model.PortRef{}, model.UnsupportedInputKind("literal")
	default:
		return model.PortRef{}, model.UnsupportedInputKind(fmt.Sprintf("%T", src))
	}
}

func (b *builder) dataset(ds pipeline.DatasetRef) (model.PortRef, error) {
	switch ds.Kind {
	case model.DatasetKindRegistered, model.DatasetKindURIFile, model.DatasetKindURIFolder, model.DatasetKindLocalPath:
	default:
		return model.PortRef{}, model.UnsupportedInputKind(ds.Kind)
	}
	id := naming.Fingerprint(ds.Kind, ds.Locator)
	if !b.datasets[id] {
		b.datasets[id] = true
		b.graph.DatasetNodes = append(b.graph.DatasetNodes, model.GraphDatasetNode{
			ID:      id,
			Kind:    ds.Kind,
			Locator: ds.Locator,
			Name:    ds.Name,
			Version: ds.Version,
		})
	}
	return model.PortRef{NodeID: id, PortName: DatasetPort}, nil
}

// DatasetFromValue interprets a pipeline-parameter value bound to an input:
// "name:version" style values prefixed with "azureml:" are registered
// datasets, URLs are remote folders, anything else is a local path.
func DatasetFromValue(v string) pipeline.DatasetRef {
	switch {
	case strings.HasPrefix(v, "azureml:"):
		name, version, _ := strings.Cut(strings.TrimPrefix(v, "azureml:"), ":")
		return pipeline.DatasetRef{Kind: model.DatasetKindRegistered, Locator: v, Name: name, Version: version}
	case strings.Contains(v, "://"):
		if strings.HasSuffix(v, "/") {
			return pipeline.DatasetRef{Kind: model.DatasetKindURIFolder, Locator: v}
		}
		return pipeline.DatasetRef{Kind: model.DatasetKindURIFile, Locator: v}
	default:
		return pipeline.DatasetRef{Kind: model.DatasetKindLocalPath, Locator: v}
	}
}

// SubmitOptions are the run-level fields of a submission.
type SubmitOptions struct {
	ExperimentName        string
	RunID                 string
	Description           string
	ComputeTarget         string
	Tags                  map[string]string
	Properties            map[string]string
	ContinueOnStepFailure bool
}

// BuildSubmitRequest assembles the submission request for a materialized
// pipeline.
func BuildSubmitRequest(r *Result, opts SubmitOptions) *model.SubmitRequest {
	return &model.SubmitRequest{
		ExperimentName:                    opts.ExperimentName,
		RunID:                             opts.RunID,
		Description:                       opts.Description,
		ComputeTarget:                     firstNonEmpty(opts.ComputeTarget, r.Graph.DefaultCompute),
		Graph:                             r.Graph,
		ModuleNodeRunSettings:             r.RunSettings,
		PipelineParameters:                r.Parameters,
		DataSetDefinitionValueAssignments: r.Datasets,
		Tags:                              opts.Tags,
		Properties:                        opts.Properties,
		ContinueRunOnStepFailure:          opts.ContinueOnStepFailure,
		ModuleDefinitions:                 r.Modules,
	}
}

// Fingerprint is a UUID5 over the canonical JSON of the graph and the
// parameters. Callers use it as a deterministic run id when resubmission of
// the same graph must not start a second run.
func (r *Result) Fingerprint() (string, error) {
	data, err := json.Marshal(struct {
		Graph      *model.GraphEntity `json:"graph"`
		Parameters map[string]string  `json:"parameters"`
	}{r.Graph, r.Parameters})
	if err != nil {
		return "", fmt.Errorf("encode graph: %w", err)
	}
	return naming.Fingerprint("graph", string(data)), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
