// Package builder turns pipeline functions into reusable pipeline
// definitions.
//
// A Context holds a stack of open frames. Contexts are not safe for
// concurrent use; each goroutine that composes pipelines needs its own.
package builder

import (
	"fmt"
	"log/slog"

	"github.com/me/pipekit/pkg/model"
	"github.com/me/pipekit/pkg/pipeline"
)

// Options describe the pipeline a frame builds.
type Options struct {
	Name             string
	Description      string
	DefaultCompute   string
	DefaultDatastore string
	Params           []pipeline.ParameterDef
	Inputs           []pipeline.InputDef
}

// Context is a stack of open build frames.
type Context struct {
	stack  []*Frame
	logger *slog.Logger
}

// NewContext returns an empty context.
func NewContext(logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{logger: logger.With("component", "builder")}
}

// Depth returns the number of open frames.
func (c *Context) Depth() int {
	return len(c.stack)
}

// Top returns the innermost open frame, or nil.
func (c *Context) Top() *Frame {
	if len(c.stack) == 0 {
		return nil
	}
	return c.stack[len(c.stack)-1]
}

// Frame is one open pipeline definition.
type Frame struct {
	ctx    *Context
	parent *Frame
	def    *pipeline.Definition
	ended  bool
}

// Begin pushes a frame for a new pipeline. A non-nil parent must be the
// innermost open frame of c.
func (c *Context) Begin(opts Options, parent *Frame) (*Frame, error) {
	if opts.Name == "" {
		return nil, model.NewUserError("pipeline name is required")
	}
	if parent != nil {
		if parent.ended {
			return nil, model.NestedBuildConflict(parent.def.Name)
		}
		if parent.ctx != c || c.Top() != parent {
			return nil, model.BuilderContextMisuse("parent %q is not the innermost open pipeline", parent.def.Name)
		}
	}
	for _, f := range c.stack {
		if f.def.Name == opts.Name {
			return nil, model.NestedBuildConflict(opts.Name)
		}
	}

	def := pipeline.NewDefinition(opts.Name)
	def.Description = opts.Description
	def.DefaultCompute = opts.DefaultCompute
	def.DefaultDatastore = opts.DefaultDatastore
	def.Params = opts.Params
	def.Inputs = opts.Inputs

	f := &Frame{ctx: c, parent: parent, def: def}
	c.stack = append(c.stack, f)
	c.logger.Debug("begin pipeline", "name", opts.Name, "depth", len(c.stack))
	return f, nil
}

// Name returns the name of the pipeline under construction.
func (f *Frame) Name() string {
	return f.def.Name
}

// Param returns a reference to a parameter or input of this pipeline or of
// an enclosing open pipeline.
func (f *Frame) Param(name string) (pipeline.ParamRef, error) {
	for fr := f; fr != nil; fr = fr.parent {
		if fr.def.Declares(name) {
			return pipeline.Ref(name), nil
		}
	}
	return pipeline.ParamRef{}, model.OutOfScopeInput(name)
}

// AddOption configures a node as it is added.
type AddOption func(*Frame, *pipeline.Node)

// WithVarName records the variable name that refers to the node.
func WithVarName(name string) AddOption {
	return func(f *Frame, n *pipeline.Node) {
		n.VarName = name
		f.def.VarNames[n.ID] = name
	}
}

// WithCompute overrides the node's compute target.
func WithCompute(target string) AddOption {
	return func(_ *Frame, n *pipeline.Node) {
		n.Compute = target
	}
}

// Add attaches n to the frame.
func (f *Frame) Add(n *pipeline.Node, opts ...AddOption) (*pipeline.Node, error) {
	if err := f.checkOpen("add a node to"); err != nil {
		return nil, err
	}
	if n.Sub != nil && !n.Sub.Sealed() {
		return nil, model.NestedBuildConflict(n.Sub.Name)
	}
	if n.Component == nil && n.Sub == nil {
		return nil, model.NewUserError("node %q has neither a component nor a pipeline", n.Name)
	}
	if err := n.SetOwner(f.def); err != nil {
		return nil, model.NewUserError("%v", err)
	}
	for _, n2 := range f.def.Nodes {
		if n2 == n {
			return n, nil
		}
	}
	for _, opt := range opts {
		opt(f, n)
	}
	f.def.Nodes = append(f.def.Nodes, n)
	return n, nil
}

// Component instantiates c and adds the node.
func (f *Frame) Component(c *pipeline.ComponentDefinition, name string, opts ...AddOption) (*pipeline.Node, error) {
	return f.Add(pipeline.NewNode(c, name), opts...)
}

// Call adds a call of a finished pipeline definition.
func (f *Frame) Call(d *pipeline.Definition, name string, opts ...AddOption) (*pipeline.Node, error) {
	return f.Add(pipeline.NewSubNode(d, name), opts...)
}

// End pops the frame and returns the finished definition. Children are
// ordered so that producers precede consumers; insertion order breaks ties
// and children on a cycle keep their insertion order for the validator.
func (f *Frame) End(outputs map[string]pipeline.OutputRef) (*pipeline.Definition, error) {
	if err := f.checkOpen("finish"); err != nil {
		return nil, err
	}
	for name, ref := range outputs {
		if ref.Node == nil || ref.Node.Owner() != f.def {
			return nil, model.NewUserError("pipeline %q output %q does not refer to a node of this pipeline", f.def.Name, name)
		}
		if !ref.Node.HasOutput(ref.Port) {
			return nil, model.NewUserError("pipeline %q output %q: node %q has no output %q", f.def.Name, name, ref.Node.Name, ref.Port)
		}
	}
	for name, ref := range outputs {
		f.def.Outputs[name] = ref
	}

	sorted, acyclic := pipeline.Toposort(f.def.Nodes)
	if !acyclic {
		f.ctx.logger.Warn("pipeline children contain a cycle", "name", f.def.Name)
	}
	f.def.Nodes = sorted
	f.def.Seal()
	f.pop()
	f.ctx.logger.Debug("end pipeline", "name", f.def.Name, "nodes", len(sorted))
	return f.def, nil
}

// Abort discards an open frame together with any frames opened above it.
func (f *Frame) Abort() {
	if f.ended {
		return
	}
	for {
		top := f.ctx.Top()
		if top == nil {
			return
		}
		top.pop()
		if top == f {
			return
		}
	}
}

func (f *Frame) pop() {
	f.ended = true
	f.ctx.stack = f.ctx.stack[:len(f.ctx.stack)-1]
}

func (f *Frame) checkOpen(action string) error {
	if f.ended {
		return model.BuilderContextMisuse("cannot %s pipeline %q: already finished", action, f.def.Name)
	}
	if f.ctx.Top() != f {
		return model.BuilderContextMisuse("cannot %s pipeline %q: it is not the innermost open pipeline", action, f.def.Name)
	}
	return nil
}

// Func is a pipeline function: it adds children to f and returns the
// pipeline's public outputs.
type Func func(f *Frame) (map[string]pipeline.OutputRef, error)

// Build runs fn inside a new frame nested under the current innermost frame
// of c and returns the finished definition.
func Build(c *Context, opts Options, fn Func) (*pipeline.Definition, error) {
	f, err := c.Begin(opts, c.Top())
	if err != nil {
		return nil, err
	}
	outputs, err := fn(f)
	if err != nil {
		f.Abort()
		return nil, fmt.Errorf("build pipeline %q: %w", opts.Name, err)
	}
	def, err := f.End(outputs)
	if err != nil {
		f.Abort()
		return nil, err
	}
	return def, nil
}
