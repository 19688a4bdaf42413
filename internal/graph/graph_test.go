package graph

import (
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/me/pipekit/internal/validate"
	"github.com/me/pipekit/pkg/model"
	"github.com/me/pipekit/pkg/pipeline"
)

func strPtr(s string) *string { return &s }

func tool() *pipeline.ComponentDefinition {
	return &pipeline.ComponentDefinition{
		Name:       "tool",
		Version:    "3",
		Inputs:     []pipeline.InputDef{{Name: "in", Optional: true}},
		Outputs:    []pipeline.OutputDef{{Name: "out"}},
		Parameters: []pipeline.ParameterDef{{Name: "msg", Optional: true}, {Name: "n", Default: strPtr("5")}},
		RunSettings: map[string]any{
			"retries": 1,
		},
		Command: model.Command{Args: []string{"tool"}},
	}
}

func partialPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	d := pipeline.NewDefinition("partial")
	d.Params = []pipeline.ParameterDef{{Name: "P"}, {Name: "Q"}}
	tmpl, err := pipeline.Template("v{P}-{Q}")
	if err != nil {
		t.Fatal(err)
	}
	d.Nodes = []*pipeline.Node{pipeline.NewNode(tool(), "child").Set("msg", tmpl)}
	d.Seal()
	p, err := d.Instantiate(nil)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestMaterializePartialAssignment(t *testing.T) {
	m := New(nil)
	p := partialPipeline(t)

	res, err := m.Materialize(p, map[string]string{"P": "1", "Q": "2"})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if got := res.Graph.Nodes[0].Parameters["msg"]; got != "v1-2" {
		t.Errorf("msg = %q, want v1-2", got)
	}
	if got := res.Graph.Nodes[0].Parameters["n"]; got != "5" {
		t.Errorf("default n = %q", got)
	}

	_, err = m.Materialize(p, map[string]string{"P": "1"})
	var me *model.Error
	if !model.HasCode(err, model.CodeUnresolvedParameter) {
		t.Fatalf("expected UnresolvedParameter, got %v", err)
	}
	if !errors.As(err, &me) || me.Subject != "Q" {
		t.Errorf("subject = %v", me)
	}
}

func TestMaterializeDatasetsAndEdges(t *testing.T) {
	d := pipeline.NewDefinition("data")
	d.Params = []pipeline.ParameterDef{{Name: "msg", Default: strPtr("hi")}}
	d.DefaultDatastore = "workspaceblobstore"
	d.DefaultCompute = "cpu"
	ds := pipeline.DatasetRef{Kind: model.DatasetKindURIFile, Locator: "https://acct/c/x.csv"}
	a := pipeline.NewNode(tool(), "a").Set("msg", pipeline.Ref("msg")).Bind("in", ds)
	b := pipeline.NewNode(tool(), "b").Bind("in", a.Out("out"))
	c := pipeline.NewNode(tool(), "c").Bind("in", ds)
	c.RunSettings = map[string]any{"retries": 3}
	d.Nodes = []*pipeline.Node{a, b, c}
	d.Outputs["final"] = b.Out("out")
	d.Seal()
	p, _ := d.Instantiate(nil)

	res, err := New(nil).Materialize(p, nil)
	if err != nil {
		t.Fatal(err)
	}
	g := res.Graph
	if len(g.DatasetNodes) != 1 {
		t.Fatalf("dataset nodes = %d, want 1 (deduplicated)", len(g.DatasetNodes))
	}
	if len(g.Edges) != 3 {
		t.Errorf("edges = %d, want 3", len(g.Edges))
	}
	if g.Nodes[0].Parameters["msg"] != "hi" {
		t.Errorf("msg = %q", g.Nodes[0].Parameters["msg"])
	}
	if g.Nodes[0].Compute != "cpu" {
		t.Errorf("compute = %q", g.Nodes[0].Compute)
	}
	if g.Nodes[2].RunSettings["retries"] != 3 || g.Nodes[0].RunSettings["retries"] != 1 {
		t.Errorf("run settings = %v / %v", g.Nodes[2].RunSettings, g.Nodes[0].RunSettings)
	}
	if g.Nodes[0].OutputSettings[0].DatastoreName != "workspaceblobstore" {
		t.Errorf("output settings = %+v", g.Nodes[0].OutputSettings)
	}
	if out := g.Outputs["final"]; out.NodeID != GraphNodeID(b.ID) || out.PortName != "out" {
		t.Errorf("final output = %+v", out)
	}
	if _, ok := res.Modules["tool:3"]; !ok {
		t.Errorf("modules = %v", res.Modules)
	}

	req := BuildSubmitRequest(res, SubmitOptions{ExperimentName: "exp"})
	if req.ComputeTarget != "cpu" || req.Graph != g || req.PipelineParameters["msg"] != "hi" {
		t.Errorf("request = %+v", req)
	}
}

func TestMaterializeUnsupportedDataset(t *testing.T) {
	d := pipeline.NewDefinition("bad")
	d.Nodes = []*pipeline.Node{pipeline.NewNode(tool(), "a").Bind("in", pipeline.DatasetRef{Kind: "tabular", Locator: "x"})}
	d.Seal()
	p, _ := d.Instantiate(nil)
	_, err := New(nil).Materialize(p, nil)
	if !model.HasCode(err, model.CodeUnsupportedInputKind) {
		t.Errorf("expected UnsupportedInputKind, got %v", err)
	}
}

func TestMaterializeDatasetParameter(t *testing.T) {
	d := pipeline.NewDefinition("param-input")
	d.Inputs = []pipeline.InputDef{{Name: "training"}}
	d.Nodes = []*pipeline.Node{pipeline.NewNode(tool(), "a").Bind("in", pipeline.Ref("training"))}
	d.Seal()
	p, _ := d.Instantiate(nil)

	res, err := New(nil).Materialize(p, map[string]string{"training": "azureml:iris:2"})
	if err != nil {
		t.Fatal(err)
	}
	v, ok := res.Datasets["training"]
	if !ok || v.Kind != model.DatasetKindRegistered || v.DatasetNodeID != res.Graph.DatasetNodes[0].ID {
		t.Errorf("dataset assignment = %+v", v)
	}
	if res.Graph.DatasetNodes[0].Name != "iris" || res.Graph.DatasetNodes[0].Version != "2" {
		t.Errorf("dataset node = %+v", res.Graph.DatasetNodes[0])
	}
}

func TestMaterializeRoundTrip(t *testing.T) {
	inner := pipeline.NewDefinition("inner")
	x := pipeline.NewNode(tool(), "x")
	y := pipeline.NewNode(tool(), "y").Bind("in", x.Out("out"))
	inner.Nodes = []*pipeline.Node{x, y}
	inner.Outputs["o"] = y.Out("out")
	inner.Seal()

	root := pipeline.NewDefinition("root")
	a := pipeline.NewNode(tool(), "a")
	call := pipeline.NewSubNode(inner, "call")
	z := pipeline.NewNode(tool(), "z").Bind("in", call.Out("o"))
	root.Nodes = []*pipeline.Node{a, call, z}
	root.Seal()
	p, _ := root.Instantiate(nil)

	res, err := validate.New(nil).Validate(p, validate.Options{RaiseOnError: true})
	if err != nil || !res.Passed() {
		t.Fatalf("validate: %v", err)
	}
	mres, err := New(nil).Materialize(p, nil)
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(mres.Graph)
	if err != nil {
		t.Fatal(err)
	}
	var back model.GraphEntity
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}

	var ids []string
	for id := range back.ModuleNodeToGraphNodeMapping {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	want := []string{a.ID, call.ID + "." + x.ID, call.ID + "." + y.ID, z.ID}
	sort.Strings(want)
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("instance ids = %v, want %v", ids, want)
	}
	if !reflect.DeepEqual(back.Edges, mres.Graph.Edges) {
		t.Errorf("edges differ after round trip")
	}

	// The nested producer feeds z directly.
	yID := GraphNodeID(call.ID + "." + y.ID)
	found := false
	for _, e := range back.Edges {
		if e.Source.NodeID == yID && e.Destination.NodeID == GraphNodeID(z.ID) {
			found = true
		}
	}
	if !found {
		t.Error("edge y -> z missing")
	}

	// Dependency order: x before y before z.
	pos := map[string]int{}
	for i, id := range mres.Order {
		pos[id] = i
	}
	if !(pos[GraphNodeID(call.ID+"."+x.ID)] < pos[yID] && pos[yID] < pos[GraphNodeID(z.ID)]) {
		t.Errorf("order = %v", mres.Order)
	}
}

func TestFingerprintStable(t *testing.T) {
	p := partialPipeline(t)
	m := New(nil)
	r1, _ := m.Materialize(p, map[string]string{"P": "1", "Q": "2"})
	r2, _ := m.Materialize(p, map[string]string{"P": "1", "Q": "2"})
	r3, _ := m.Materialize(p, map[string]string{"P": "1", "Q": "3"})
	f1, _ := r1.Fingerprint()
	f2, _ := r2.Fingerprint()
	f3, _ := r3.Fingerprint()
	if f1 != f2 {
		t.Errorf("fingerprint not stable: %s vs %s", f1, f2)
	}
	if f1 == f3 {
		t.Error("different parameters gave the same fingerprint")
	}
}

func TestDatasetFromValue(t *testing.T) {
	tests := []struct {
		in   string
		kind string
	}{
		{"azureml:iris:1", model.DatasetKindRegistered},
		{"https://x/y.csv", model.DatasetKindURIFile},
		{"s3://bucket/prefix/", model.DatasetKindURIFolder},
		{"./data", model.DatasetKindLocalPath},
	}
	for _, tt := range tests {
		if got := DatasetFromValue(tt.in).Kind; got != tt.kind {
			t.Errorf("%s: kind = %s, want %s", tt.in, got, tt.kind)
		}
	}
}
