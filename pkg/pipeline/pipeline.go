package pipeline

import (
	"fmt"

	"github.com/me/pipekit/pkg/model"
)

// Pipeline is an instantiated definition: copied children with bindings
// rewritten for the arguments it was called with.
type Pipeline struct {
	Definition       *Definition
	Name             string
	Nodes            []*Node
	Params           map[string]Source
	Outputs          map[string]OutputRef
	DefaultCompute   string
	DefaultDatastore string
}

// Node returns the direct child with the given id.
func (p *Pipeline) Node(id string) *Node {
	for _, n := range p.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// ParameterValues returns the literal pipeline-parameter values bound at
// instantiation, including defaults.
func (p *Pipeline) ParameterValues() map[string]string {
	out := map[string]string{}
	for k, v := range p.Params {
		if lit, ok := v.(Literal); ok {
			out[k] = lit.Value
		}
	}
	return out
}

// Flat is a pipeline with nested calls expanded: component nodes only, in
// dependency order, and public outputs mapped to producing components.
type Flat struct {
	Nodes   []*Node
	Outputs map[string]OutputRef
}

// Flatten expands nested pipeline calls recursively. Output references to
// nested pipelines are redirected to the descendant that produces the
// output. Nested ids are the calling node's id joined with the child id by
// '.'. The receiver is not modified.
func (p *Pipeline) Flatten() (*Flat, error) {
	roots, copies := cloneNodes(p.Nodes)
	f := flattener{expanded: map[*Node]map[string]OutputRef{}}
	leaves, err := f.flatten(roots, 0)
	if err != nil {
		return nil, err
	}
	for _, n := range leaves {
		for name, in := range n.Inputs {
			ref, ok := in.Source.(OutputRef)
			if !ok {
				continue
			}
			resolved, err := f.resolve(ref)
			if err != nil {
				return nil, fmt.Errorf("node %q input %q: %w", n.Name, name, err)
			}
			in.Source = resolved
		}
	}

	outputs := make(map[string]OutputRef, len(p.Outputs))
	for name, ref := range p.Outputs {
		if c, ok := copies[ref.Node]; ok {
			ref.Node = c
		}
		resolved, err := f.resolve(ref)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}
		outputs[name] = resolved
	}
	return &Flat{Nodes: leaves, Outputs: outputs}, nil
}

// Node returns the flattened node with the given id.
func (f *Flat) Node(id string) *Node {
	for _, n := range f.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// cloneNodes copies nodes keeping their ids and redirects references
// between them to the copies.
func cloneNodes(nodes []*Node) ([]*Node, map[*Node]*Node) {
	copies := make(map[*Node]*Node, len(nodes))
	out := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		c := copyNode(n, n.ID)
		copies[n] = c
		out = append(out, c)
	}
	for _, c := range out {
		for _, in := range c.Inputs {
			if ref, ok := in.Source.(OutputRef); ok {
				if target, ok := copies[ref.Node]; ok {
					in.Source = OutputRef{Node: target, Port: ref.Port}
				}
			}
		}
	}
	return out, copies
}

// maxDepth bounds nested pipeline expansion.
const maxDepth = 64

type flattener struct {
	expanded map[*Node]map[string]OutputRef
}

func (f *flattener) flatten(nodes []*Node, depth int) ([]*Node, error) {
	if depth > maxDepth {
		return nil, model.NewUserError("pipelines nested deeper than %d levels", maxDepth)
	}
	var out []*Node
	for _, n := range nodes {
		if n.Sub == nil {
			out = append(out, n)
			continue
		}
		args := make(map[string]Source, len(n.Params)+len(n.Inputs))
		for k, v := range n.Params {
			args[k] = v
		}
		for k, in := range n.Inputs {
			args[k] = in.Source
		}
		env := n.Sub.environment(args)
		children, outputs := n.Sub.expand(n.ID+".", env)
		f.expanded[n] = outputs
		leaves, err := f.flatten(children, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, leaves...)
	}
	return out, nil
}

func (f *flattener) resolve(ref OutputRef) (OutputRef, error) {
	for i := 0; ref.Node != nil && ref.Node.Sub != nil; i++ {
		if i > maxDepth {
			return OutputRef{}, model.NewUserError("output %s does not resolve to a component", ref)
		}
		outs, ok := f.expanded[ref.Node]
		if !ok {
			return OutputRef{}, model.NewUserError("output %s refers to a pipeline outside this run", ref)
		}
		next, ok := outs[ref.Port]
		if !ok {
			return OutputRef{}, model.NewUserError("pipeline %q has no output %q", ref.Node.Name, ref.Port)
		}
		ref = next
	}
	return ref, nil
}
