package pipeline

import (
	"github.com/me/pipekit/pkg/model"
	"github.com/me/pipekit/pkg/paramexpr"
)

// BindingKind classifies how a child parameter relates to the enclosing
// pipeline's parameters.
type BindingKind int

const (
	// BindLiteral is a concrete value.
	BindLiteral BindingKind = iota
	// BindDirect forwards a single enclosing parameter.
	BindDirect
	// BindDerived is a parameter assignment over enclosing parameters.
	BindDerived
	// BindSource is any other source (dataset, host path, upstream output).
	BindSource
)

func (k BindingKind) String() string {
	switch k {
	case BindLiteral:
		return "literal"
	case BindDirect:
		return "direct"
	case BindDerived:
		return "derived"
	default:
		return "source"
	}
}

// ArgBinding is one entry of the argument-matching table.
type ArgBinding struct {
	Kind       BindingKind
	Symbol     string
	Assignment paramexpr.Assignment
	Value      string
	Source     Source
}

// Definition is a reusable pipeline: parameter schema, ordered children and
// public outputs. A definition is mutable while its builder frame is open
// and immutable once sealed.
type Definition struct {
	Name             string
	Description      string
	Params           []ParameterDef
	Inputs           []InputDef
	Nodes            []*Node
	Outputs          map[string]OutputRef
	DefaultCompute   string
	DefaultDatastore string

	// VarNames maps node ids to the variable name that referred to the node
	// while the pipeline was built, for diagnostics.
	VarNames map[string]string
	// Matching maps node id to parameter name to its binding.
	Matching map[string]map[string]ArgBinding

	sealed bool
}

// NewDefinition returns an open definition.
func NewDefinition(name string) *Definition {
	return &Definition{
		Name:     name,
		Outputs:  map[string]OutputRef{},
		VarNames: map[string]string{},
		Matching: map[string]map[string]ArgBinding{},
	}
}

// Sealed reports whether the definition is finished.
func (d *Definition) Sealed() bool {
	return d.sealed
}

// Seal records the argument-matching table and freezes the definition.
func (d *Definition) Seal() {
	d.Matching = MatchArguments(d.Nodes)
	d.sealed = true
}

// Parameter returns the named parameter declaration.
func (d *Definition) Parameter(name string) (ParameterDef, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParameterDef{}, false
}

// Declares reports whether name is a parameter or input of the definition.
func (d *Definition) Declares(name string) bool {
	if _, ok := d.Parameter(name); ok {
		return true
	}
	for _, in := range d.Inputs {
		if in.Name == name {
			return true
		}
	}
	return false
}

// VarName returns the variable name recorded for a node, or its display name.
func (d *Definition) VarName(n *Node) string {
	if v, ok := d.VarNames[n.ID]; ok && v != "" {
		return v
	}
	return n.Name
}

// MatchArguments builds the argument-matching table for nodes.
func MatchArguments(nodes []*Node) map[string]map[string]ArgBinding {
	table := make(map[string]map[string]ArgBinding, len(nodes))
	for _, n := range nodes {
		row := make(map[string]ArgBinding, len(n.Params))
		for name, src := range n.Params {
			row[name] = classify(src)
		}
		table[n.ID] = row
	}
	return table
}

func classify(src Source) ArgBinding {
	switch s := src.(type) {
	case Literal:
		return ArgBinding{Kind: BindLiteral, Value: s.Value, Source: s}
	case ParamRef:
		return ArgBinding{Kind: BindDirect, Symbol: s.Name, Source: s}
	case Expr:
		if names := s.Assignment.Unbound(); len(names) == 1 && s.Assignment.Template() == "{"+names[0]+"}" {
			return ArgBinding{Kind: BindDirect, Symbol: names[0], Source: ParamRef{Name: names[0]}}
		}
		return ArgBinding{Kind: BindDerived, Assignment: s.Assignment, Source: s}
	default:
		return ArgBinding{Kind: BindSource, Source: src}
	}
}

// Instantiate binds args to the definition's parameters and inputs and
// returns a pipeline with deep-copied children. Parameters without an
// argument fall back to their defaults; parameters with neither stay
// symbolic and are resolved at submission.
func (d *Definition) Instantiate(args map[string]Source) (*Pipeline, error) {
	if !d.sealed {
		return nil, model.NewUserError("pipeline %q is still being built", d.Name)
	}
	for name := range args {
		if !d.Declares(name) {
			return nil, model.NewUserError("pipeline %q has no parameter or input %q", d.Name, name)
		}
	}
	env := d.environment(args)
	nodes, outputs := d.expand("", env)
	return &Pipeline{
		Definition:       d,
		Name:             d.Name,
		Nodes:            nodes,
		Params:           env,
		Outputs:          outputs,
		DefaultCompute:   d.DefaultCompute,
		DefaultDatastore: d.DefaultDatastore,
	}, nil
}

// environment overlays args on parameter defaults.
func (d *Definition) environment(args map[string]Source) map[string]Source {
	env := map[string]Source{}
	for _, p := range d.Params {
		if p.Default != nil {
			env[p.Name] = Literal{Value: *p.Default}
		}
	}
	for k, v := range args {
		env[k] = v
	}
	return env
}

// expand copies the children with ids prefixed and bindings rewritten
// through env.
func (d *Definition) expand(prefix string, env map[string]Source) ([]*Node, map[string]OutputRef) {
	copies := make(map[*Node]*Node, len(d.Nodes))
	out := make([]*Node, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		c := copyNode(n, prefix+n.ID)
		copies[n] = c
		out = append(out, c)
	}

	for _, n := range d.Nodes {
		c := copies[n]
		row := d.Matching[n.ID]
		for name, src := range n.Params {
			b, ok := row[name]
			if !ok {
				b = classify(src)
			}
			c.Params[name] = rebind(b, env)
		}
		for name, in := range n.Inputs {
			c.Inputs[name].Source = rebindInput(in.Source, env, copies)
		}
	}

	outputs := make(map[string]OutputRef, len(d.Outputs))
	for name, ref := range d.Outputs {
		if c, ok := copies[ref.Node]; ok {
			ref.Node = c
		}
		outputs[name] = ref
	}
	return out, outputs
}

func rebind(b ArgBinding, env map[string]Source) Source {
	switch b.Kind {
	case BindLiteral:
		return Literal{Value: b.Value}
	case BindDirect:
		if v, ok := env[b.Symbol]; ok {
			return v
		}
		return ParamRef{Name: b.Symbol}
	case BindDerived:
		return bindAssignment(b.Assignment, env)
	default:
		return b.Source
	}
}

func rebindInput(src Source, env map[string]Source, copies map[*Node]*Node) Source {
	switch s := src.(type) {
	case OutputRef:
		if c, ok := copies[s.Node]; ok {
			return OutputRef{Node: c, Port: s.Port}
		}
		return s
	case ParamRef:
		if v, ok := env[s.Name]; ok {
			return v
		}
		return s
	case Expr:
		return bindAssignment(s.Assignment, env)
	default:
		return src
	}
}

// bindAssignment substitutes enclosing bindings into a in one pass. The
// result is a Literal once no references remain.
func bindAssignment(a paramexpr.Assignment, env map[string]Source) Source {
	res := a.Splice(func(name string) (paramexpr.Assignment, bool) {
		switch s := env[name].(type) {
		case Literal:
			return paramexpr.Literal(s.Value), true
		case ParamRef:
			return paramexpr.Reference(s.Name), true
		case Expr:
			return s.Assignment, true
		}
		return paramexpr.Assignment{}, false
	})
	if res.IsResolved() {
		return Literal{Value: res.String()}
	}
	return Expr{Assignment: res}
}
