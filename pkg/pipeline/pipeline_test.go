package pipeline

import (
	"testing"

	"github.com/me/pipekit/pkg/model"
	"github.com/me/pipekit/pkg/paramexpr"
)

func strPtr(s string) *string { return &s }

func echoComponent() *ComponentDefinition {
	return &ComponentDefinition{
		Name:       "echo",
		Version:    "2",
		Inputs:     []InputDef{{Name: "in", Optional: true}},
		Outputs:    []OutputDef{{Name: "out"}},
		Parameters: []ParameterDef{{Name: "msg"}, {Name: "n", Default: strPtr("1")}},
		Command:    model.Command{Args: []string{"echo", "{parameters.msg}"}},
	}
}

func expr(t *testing.T, tmpl string) Source {
	t.Helper()
	src, err := Template(tmpl)
	if err != nil {
		t.Fatalf("Template(%q): %v", tmpl, err)
	}
	return src
}

// inner(x, tag) = a -> b, where b.msg = "run_{tag}" and a.msg = x.
func innerDefinition(t *testing.T) *Definition {
	t.Helper()
	d := NewDefinition("inner")
	d.Params = []ParameterDef{{Name: "x"}, {Name: "tag", Default: strPtr("dflt")}}
	d.Inputs = []InputDef{{Name: "data"}}
	a := NewNode(echoComponent(), "a").Set("msg", Ref("x")).Bind("in", Ref("data"))
	b := NewNode(echoComponent(), "b").Set("msg", expr(t, "run_{tag}")).Bind("in", a.Out("out"))
	d.Nodes = []*Node{a, b}
	d.Outputs["result"] = b.Out("out")
	d.Seal()
	return d
}

func TestComponentID(t *testing.T) {
	c := echoComponent()
	if c.ID() != "echo:2" {
		t.Errorf("ID = %q", c.ID())
	}
	c.Version = ""
	if c.ID() != "echo:1" {
		t.Errorf("ID without version = %q", c.ID())
	}
	m := c.Module()
	if len(m.Outputs) != 1 || m.Outputs[0] != "out" {
		t.Errorf("module outputs = %v", m.Outputs)
	}
}

func TestMatchArguments(t *testing.T) {
	n := NewNode(echoComponent(), "n").
		Set("msg", Ref("P")).
		Set("n", Lit(3))
	n.Params["x"] = expr(t, "v{P}-{Q}")
	n.Params["y"] = expr(t, "{Q}")
	n.Params["z"] = HostPath{Path: "/tmp"}

	row := MatchArguments([]*Node{n})[n.ID]
	tests := []struct {
		param string
		kind  BindingKind
	}{
		{"msg", BindDirect},
		{"n", BindLiteral},
		{"x", BindDerived},
		{"y", BindDirect},
		{"z", BindSource},
	}
	for _, tt := range tests {
		if got := row[tt.param].Kind; got != tt.kind {
			t.Errorf("%s: kind = %v, want %v", tt.param, got, tt.kind)
		}
	}
	if row["y"].Symbol != "Q" {
		t.Errorf("y symbol = %q", row["y"].Symbol)
	}
}

func TestInstantiateRequiresSealed(t *testing.T) {
	d := NewDefinition("open")
	_, err := d.Instantiate(nil)
	if !model.HasKind(err, model.KindUser) {
		t.Fatalf("expected user error, got %v", err)
	}
}

func TestInstantiateUnknownArgument(t *testing.T) {
	d := innerDefinition(t)
	_, err := d.Instantiate(map[string]Source{"nope": Lit(1)})
	if err == nil {
		t.Fatal("expected error for unknown argument")
	}
}

func TestInstantiateRewritesBindings(t *testing.T) {
	d := innerDefinition(t)
	p, err := d.Instantiate(map[string]Source{
		"x":    Lit("hello"),
		"data": DatasetRef{Kind: model.DatasetKindURIFile, Locator: "https://x/y"},
	})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	a, b := p.Nodes[0], p.Nodes[1]
	if a == d.Nodes[0] {
		t.Fatal("children were not copied")
	}
	if a.ID != d.Nodes[0].ID {
		t.Errorf("root instantiation changed id: %s vs %s", a.ID, d.Nodes[0].ID)
	}
	if got := a.Params["msg"]; got != (Literal{Value: "hello"}) {
		t.Errorf("a.msg = %v", got)
	}
	if _, ok := a.Inputs["in"].Source.(DatasetRef); !ok {
		t.Errorf("a.in = %v", a.Inputs["in"].Source)
	}
	// Default of tag applies.
	if got := b.Params["msg"]; got != (Literal{Value: "run_dflt"}) {
		t.Errorf("b.msg = %v", got)
	}
	ref := b.Inputs["in"].Source.(OutputRef)
	if ref.Node != a {
		t.Error("b.in does not point to the copied a")
	}
	if p.Outputs["result"].Node != b {
		t.Error("public output does not point to the copied b")
	}

	// The definition is untouched and can be instantiated again.
	if _, ok := d.Nodes[0].Params["msg"].(ParamRef); !ok {
		t.Error("definition was mutated")
	}
	p2, err := d.Instantiate(map[string]Source{"x": Lit("other")})
	if err != nil {
		t.Fatal(err)
	}
	if p2.Nodes[0].Params["msg"] != (Literal{Value: "other"}) {
		t.Errorf("second instance a.msg = %v", p2.Nodes[0].Params["msg"])
	}
	if p.Nodes[0].Params["msg"] != (Literal{Value: "hello"}) {
		t.Error("second instantiation aliased the first")
	}
}

func TestInstantiateKeepsUnboundSymbolic(t *testing.T) {
	d := NewDefinition("root")
	d.Params = []ParameterDef{{Name: "P"}, {Name: "Q"}}
	n := NewNode(echoComponent(), "n")
	n.Params["msg"] = expr(t, "v{P}-{Q}")
	d.Nodes = []*Node{n}
	d.Seal()

	p, err := d.Instantiate(map[string]Source{"P": Lit(1)})
	if err != nil {
		t.Fatal(err)
	}
	e, ok := p.Nodes[0].Params["msg"].(Expr)
	if !ok {
		t.Fatalf("msg = %v, want Expr", p.Nodes[0].Params["msg"])
	}
	if e.Assignment.Template() != "v1-{Q}" {
		t.Errorf("template = %q", e.Assignment.Template())
	}
	if got := p.ParameterValues(); got["P"] != "1" || len(got) != 1 {
		t.Errorf("parameter values = %v", got)
	}
}

func TestFlattenNested(t *testing.T) {
	inner := innerDefinition(t)

	root := NewDefinition("root")
	root.Params = []ParameterDef{{Name: "P"}}
	src := NewNode(echoComponent(), "src").Set("msg", Lit("s"))
	call := NewSubNode(inner, "call").
		Set("x", Ref("P")).
		Set("tag", expr(t, "t{P}")).
		Bind("data", src.Out("out"))
	sink := NewNode(echoComponent(), "sink").Set("msg", Lit("k")).Bind("in", call.Out("result"))
	root.Nodes = []*Node{src, call, sink}
	root.Outputs["final"] = call.Out("result")
	root.Seal()

	p, err := root.Instantiate(map[string]Source{"P": Lit("7")})
	if err != nil {
		t.Fatal(err)
	}
	flat, err := p.Flatten()
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if len(flat.Nodes) != 4 {
		t.Fatalf("got %d nodes, want 4", len(flat.Nodes))
	}
	ids := []string{src.ID, call.ID + "." + inner.Nodes[0].ID, call.ID + "." + inner.Nodes[1].ID, sink.ID}
	for i, want := range ids {
		if flat.Nodes[i].ID != want {
			t.Errorf("node %d id = %s, want %s", i, flat.Nodes[i].ID, want)
		}
	}

	innerA, innerB, flatSink := flat.Nodes[1], flat.Nodes[2], flat.Nodes[3]
	if innerA.Params["msg"] != (Literal{Value: "7"}) {
		t.Errorf("inner a.msg = %v", innerA.Params["msg"])
	}
	if innerB.Params["msg"] != (Literal{Value: "run_t7"}) {
		t.Errorf("inner b.msg = %v", innerB.Params["msg"])
	}
	if ref := innerA.Inputs["in"].Source.(OutputRef); ref.Node != flat.Nodes[0] {
		t.Errorf("inner a.in = %v", ref)
	}
	if ref := flatSink.Inputs["in"].Source.(OutputRef); ref.Node != innerB || ref.Port != "out" {
		t.Errorf("sink.in = %v", ref)
	}
	if out := flat.Outputs["final"]; out.Node != innerB {
		t.Errorf("final output = %v", out)
	}

	// Flatten leaves the pipeline usable.
	if p.Nodes[2].Inputs["in"].Source.(OutputRef).Node != p.Nodes[1] {
		t.Error("Flatten modified the pipeline's own nodes")
	}
}

func TestFlattenSymbolicThroughNesting(t *testing.T) {
	inner := innerDefinition(t)
	root := NewDefinition("root")
	root.Params = []ParameterDef{{Name: "P"}}
	call := NewSubNode(inner, "call").Set("x", Ref("P")).Set("tag", Ref("P"))
	root.Nodes = []*Node{call}
	root.Seal()

	p, err := root.Instantiate(nil)
	if err != nil {
		t.Fatal(err)
	}
	flat, err := p.Flatten()
	if err != nil {
		t.Fatal(err)
	}
	if got := flat.Nodes[0].Params["msg"]; got != (ParamRef{Name: "P"}) {
		t.Errorf("a.msg = %v", got)
	}
	e, ok := flat.Nodes[1].Params["msg"].(Expr)
	if !ok || e.Assignment.Template() != "run_{P}" {
		t.Errorf("b.msg = %v", flat.Nodes[1].Params["msg"])
	}
	r := paramexpr.Resolve(e.Assignment, map[string]string{"P": "z"})
	if r.Literal != "run_z" {
		t.Errorf("resolved = %q", r.Literal)
	}
}

func TestSetOwner(t *testing.T) {
	n := NewNode(echoComponent(), "")
	d1, d2 := NewDefinition("one"), NewDefinition("two")
	if err := n.SetOwner(d1); err != nil {
		t.Fatal(err)
	}
	if err := n.SetOwner(d1); err != nil {
		t.Errorf("re-adding to the same owner: %v", err)
	}
	if err := n.SetOwner(d2); err == nil {
		t.Error("expected error adding to a second pipeline")
	}
	if n.Name != "echo" {
		t.Errorf("default name = %q", n.Name)
	}
}

func TestUpstream(t *testing.T) {
	a := NewNode(echoComponent(), "a")
	b := NewNode(echoComponent(), "b").Bind("in", a.Out("out"))
	b.Inputs["other"] = &Input{Source: a.Out("out")}
	up := b.Upstream()
	if len(up) != 1 || up[0] != a {
		t.Errorf("upstream = %v", up)
	}
}
