// Package validate checks an instantiated pipeline before it is materialized
// or run: required parameters, input scope, dependency cycles and empty
// pipelines. Validation is pure; it never modifies the pipeline.
package validate

import (
	"log/slog"
	"sort"

	"github.com/me/pipekit/pkg/model"
	"github.com/me/pipekit/pkg/pipeline"
)

// Validator performs semantic validation on pipelines.
type Validator struct {
	logger *slog.Logger
}

// New creates a Validator with the given logger.
func New(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{logger: logger.With("component", "validator")}
}

// Options control a validation pass.
type Options struct {
	// RaiseOnError makes Validate return an AggregatedValidationError
	// holding every diagnostic when any check fails.
	RaiseOnError bool
}

// Result is the outcome of a validation pass.
type Result struct {
	Diagnostics []*model.Error
}

// Passed reports whether no check failed.
func (r *Result) Passed() bool {
	return len(r.Diagnostics) == 0
}

// Err returns the diagnostics as an AggregatedValidationError, or nil.
func (r *Result) Err() error {
	if r.Passed() {
		return nil
	}
	return &model.AggregatedValidationError{Diagnostics: r.Diagnostics}
}

// level is one pipeline body: the children of the root pipeline or of a
// nested definition, with the declaring scopes visible from it.
type level struct {
	name    string
	nodes   []*pipeline.Node
	outputs map[string]pipeline.OutputRef
	scopes  []func(string) bool
}

// Validate runs every check and collects all diagnostics.
func (v *Validator) Validate(p *pipeline.Pipeline, opts Options) (*Result, error) {
	levels := collectLevels(p)

	var diags []*model.Error
	for _, l := range levels {
		diags = append(diags, checkRequired(l)...)
	}
	for _, l := range levels {
		diags = append(diags, checkScope(l)...)
	}
	for _, l := range levels {
		diags = append(diags, checkCycles(l)...)
	}
	for _, l := range levels {
		if len(l.nodes) == 0 {
			diags = append(diags, model.EmptyPipeline(l.name))
		}
	}

	res := &Result{Diagnostics: diags}
	if !res.Passed() {
		v.logger.Debug("validation failed", "pipeline", p.Name, "diagnostics", len(diags))
		if opts.RaiseOnError {
			return res, res.Err()
		}
	}
	return res, nil
}

func collectLevels(p *pipeline.Pipeline) []level {
	rootScope := func(name string) bool {
		if _, ok := p.Params[name]; ok {
			return true
		}
		return p.Definition != nil && p.Definition.Declares(name)
	}
	root := level{name: p.Name, nodes: p.Nodes, outputs: p.Outputs, scopes: []func(string) bool{rootScope}}

	levels := []level{root}
	seen := map[*pipeline.Definition]bool{}
	var walk func(l level)
	walk = func(l level) {
		for _, n := range l.nodes {
			if n.Sub == nil || seen[n.Sub] {
				continue
			}
			seen[n.Sub] = true
			scopes := append([]func(string) bool{n.Sub.Declares}, l.scopes...)
			child := level{name: n.Sub.Name, nodes: n.Sub.Nodes, outputs: n.Sub.Outputs, scopes: scopes}
			levels = append(levels, child)
			walk(child)
		}
	}
	walk(root)
	return levels
}

func checkRequired(l level) []*model.Error {
	var diags []*model.Error
	for _, n := range l.nodes {
		for _, pd := range n.ParameterDefs() {
			if _, ok := n.Params[pd.Name]; !ok && pd.Required() {
				diags = append(diags, model.MissingParameter(n.Name, pd.Name))
			}
		}
		for _, in := range n.InputDefs() {
			if b, ok := n.Inputs[in.Name]; (!ok || b.Source == nil) && !in.Optional {
				diags = append(diags, model.MissingParameter(n.Name, in.Name))
			}
		}
	}
	return diags
}

func checkScope(l level) []*model.Error {
	inScope := func(name string) bool {
		for _, s := range l.scopes {
			if s(name) {
				return true
			}
		}
		return false
	}
	siblings := make(map[*pipeline.Node]bool, len(l.nodes))
	for _, n := range l.nodes {
		siblings[n] = true
	}

	var diags []*model.Error
	check := func(src pipeline.Source) {
		switch s := src.(type) {
		case pipeline.ParamRef:
			if !inScope(s.Name) {
				diags = append(diags, model.OutOfScopeInput(s.Name))
			}
		case pipeline.Expr:
			for _, name := range s.Assignment.Unbound() {
				if !inScope(name) {
					diags = append(diags, model.OutOfScopeInput(name))
				}
			}
		case pipeline.OutputRef:
			if s.Node == nil || !siblings[s.Node] || !s.Node.HasOutput(s.Port) {
				diags = append(diags, model.OutOfScopeInput(s.String()))
			}
		}
	}
	for _, n := range l.nodes {
		for _, name := range sortedKeys(n.Params) {
			check(n.Params[name])
		}
		for _, name := range sortedKeys(n.Inputs) {
			if in := n.Inputs[name]; in.Source != nil {
				check(in.Source)
			}
		}
	}
	for _, name := range sortedKeys(l.outputs) {
		ref := l.outputs[name]
		if ref.Node == nil || !siblings[ref.Node] {
			diags = append(diags, model.OutOfScopeInput(ref.String()))
		}
	}
	return diags
}

func checkCycles(l level) []*model.Error {
	index := make(map[*pipeline.Node]int, len(l.nodes))
	for i, n := range l.nodes {
		index[n] = i
	}
	succ := make([][]int, len(l.nodes))
	for i, n := range l.nodes {
		for _, up := range n.Upstream() {
			if j, ok := index[up]; ok {
				succ[j] = append(succ[j], i)
			}
		}
	}
	for j := range succ {
		sort.Ints(succ[j])
	}

	var diags []*model.Error
	for _, cycle := range FindCycles(succ) {
		names := make([]string, len(cycle))
		for i, idx := range cycle {
			names[i] = l.nodes[idx].Name
		}
		diags = append(diags, model.ModuleCycle(names))
	}
	return diags
}
