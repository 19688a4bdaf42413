package pipeline

import (
	"fmt"
	"maps"
	"sort"

	"github.com/google/uuid"
)

// Input is the binding of an input port plus its consumption options.
type Input struct {
	Source        Source
	Mode          string
	PathOnCompute string
}

// OutputSettings overrides the storage policy of an output port.
type OutputSettings struct {
	Datastore           string
	PathOnDatastore     string
	RegisterName        string
	RegisterDescription string
}

// Node is one instance of a component, or a call of a nested pipeline,
// inside a parent pipeline.
type Node struct {
	ID      string
	Name    string
	VarName string

	// Exactly one of Component and Sub is set.
	Component *ComponentDefinition
	Sub       *Definition

	Params      map[string]Source
	Inputs      map[string]*Input
	Outputs     map[string]*OutputSettings
	Compute     string
	RunSettings map[string]any

	owner *Definition
}

// NewID returns a short random instance id.
func NewID() string {
	return uuid.NewString()[:8]
}

// NewNode instantiates a component.
func NewNode(c *ComponentDefinition, name string) *Node {
	if name == "" {
		name = c.Name
	}
	return &Node{
		ID:        NewID(),
		Name:      name,
		Component: c,
		Params:    map[string]Source{},
		Inputs:    map[string]*Input{},
		Outputs:   map[string]*OutputSettings{},
	}
}

// NewSubNode creates a call of a finished pipeline definition.
func NewSubNode(d *Definition, name string) *Node {
	if name == "" {
		name = d.Name
	}
	return &Node{
		ID:      NewID(),
		Name:    name,
		Sub:     d,
		Params:  map[string]Source{},
		Inputs:  map[string]*Input{},
		Outputs: map[string]*OutputSettings{},
	}
}

// IsPipeline reports whether the node calls a nested pipeline.
func (n *Node) IsPipeline() bool {
	return n.Sub != nil
}

// Owner returns the pipeline definition the node was added to, or nil.
func (n *Node) Owner() *Definition {
	return n.owner
}

// SetOwner records the owning definition. A node belongs to one pipeline only.
func (n *Node) SetOwner(d *Definition) error {
	if n.owner != nil && n.owner != d {
		return fmt.Errorf("node %q already belongs to pipeline %q", n.Name, n.owner.Name)
	}
	n.owner = d
	return nil
}

// Set binds a parameter.
func (n *Node) Set(param string, src Source) *Node {
	n.Params[param] = src
	return n
}

// Bind binds an input port.
func (n *Node) Bind(input string, src Source) *Node {
	if in, ok := n.Inputs[input]; ok {
		in.Source = src
		return n
	}
	n.Inputs[input] = &Input{Source: src}
	return n
}

// Out returns a reference to one of the node's output ports.
func (n *Node) Out(port string) OutputRef {
	return OutputRef{Node: n, Port: port}
}

// ParameterDefs returns the parameters the node accepts.
func (n *Node) ParameterDefs() []ParameterDef {
	if n.Sub != nil {
		return n.Sub.Params
	}
	return n.Component.Parameters
}

// InputDefs returns the input ports the node accepts.
func (n *Node) InputDefs() []InputDef {
	if n.Sub != nil {
		return n.Sub.Inputs
	}
	return n.Component.Inputs
}

// HasOutput reports whether port is an output of the node.
func (n *Node) HasOutput(port string) bool {
	if n.Sub != nil {
		_, ok := n.Sub.Outputs[port]
		return ok
	}
	for _, o := range n.Component.Outputs {
		if o.Name == port {
			return true
		}
	}
	return false
}

// DefinitionID identifies what the node runs.
func (n *Node) DefinitionID() string {
	if n.Sub != nil {
		return "pipeline:" + n.Sub.Name
	}
	return n.Component.ID()
}

// Upstream returns the distinct sibling nodes whose outputs feed this node,
// in sorted input-name order.
func (n *Node) Upstream() []*Node {
	var out []*Node
	seen := map[*Node]bool{}
	for _, name := range sortedKeys(n.Inputs) {
		if ref, ok := n.Inputs[name].Source.(OutputRef); ok && ref.Node != nil && !seen[ref.Node] {
			seen[ref.Node] = true
			out = append(out, ref.Node)
		}
	}
	return out
}

// copyNode returns a detached copy with id, bindings and settings duplicated.
func copyNode(n *Node, id string) *Node {
	c := &Node{
		ID:          id,
		Name:        n.Name,
		VarName:     n.VarName,
		Component:   n.Component,
		Sub:         n.Sub,
		Params:      maps.Clone(n.Params),
		Inputs:      make(map[string]*Input, len(n.Inputs)),
		Outputs:     make(map[string]*OutputSettings, len(n.Outputs)),
		Compute:     n.Compute,
		RunSettings: maps.Clone(n.RunSettings),
		owner:       n.owner,
	}
	if c.Params == nil {
		c.Params = map[string]Source{}
	}
	for k, in := range n.Inputs {
		cp := *in
		c.Inputs[k] = &cp
	}
	for k, o := range n.Outputs {
		cp := *o
		c.Outputs[k] = &cp
	}
	return c
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
