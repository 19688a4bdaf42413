package pipeline

import (
	"fmt"

	"github.com/me/pipekit/pkg/paramexpr"
)

// Source is what a parameter or input is bound to. It is a closed set:
// Literal, ParamRef, Expr, OutputRef, DatasetRef and HostPath.
type Source interface {
	isSource()
	String() string
}

// Literal is a concrete value.
type Literal struct {
	Value string
}

// ParamRef refers to a parameter or input declared by an enclosing pipeline.
type ParamRef struct {
	Name string
}

// Expr is a parameter assignment over enclosing pipeline parameters.
type Expr struct {
	Assignment paramexpr.Assignment
}

// OutputRef refers to an output port of a sibling node.
type OutputRef struct {
	Node *Node
	Port string
}

// DatasetRef is an external dataset handle.
type DatasetRef struct {
	Kind    string
	Locator string
	Name    string
	Version string
}

// HostPath is a literal path on the submitting machine.
type HostPath struct {
	Path string
}

func (Literal) isSource()    {}
func (ParamRef) isSource()   {}
func (Expr) isSource()       {}
func (OutputRef) isSource()  {}
func (DatasetRef) isSource() {}
func (HostPath) isSource()   {}

func (s Literal) String() string  { return fmt.Sprintf("%q", s.Value) }
func (s ParamRef) String() string { return "$" + s.Name }
func (s Expr) String() string     { return "expr(" + s.Assignment.Template() + ")" }
func (s OutputRef) String() string {
	if s.Node == nil {
		return "<nil>." + s.Port
	}
	return s.Node.Name + "." + s.Port
}
func (s DatasetRef) String() string { return s.Kind + ":" + s.Locator }
func (s HostPath) String() string   { return "file:" + s.Path }

// Lit is shorthand for Literal{v}.
func Lit(v any) Literal {
	return Literal{Value: fmt.Sprint(v)}
}

// Ref is shorthand for ParamRef{name}.
func Ref(name string) ParamRef {
	return ParamRef{Name: name}
}

// Template parses s as a parameter assignment. A template without
// references becomes a Literal.
func Template(s string) (Source, error) {
	a, err := paramexpr.Parse(s)
	if err != nil {
		return nil, err
	}
	if len(a.Names()) == 0 {
		return Literal{Value: a.String()}, nil
	}
	return Expr{Assignment: a}, nil
}

// Literals converts plain values into Literal sources.
func Literals(values map[string]string) map[string]Source {
	out := make(map[string]Source, len(values))
	for k, v := range values {
		out[k] = Literal{Value: v}
	}
	return out
}
