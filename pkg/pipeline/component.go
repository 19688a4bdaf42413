// Package pipeline holds the in-memory composition model: component
// definitions, node instances, input sources, reusable pipeline definitions
// and instantiated pipelines.
package pipeline

import "github.com/me/pipekit/pkg/model"

// Parameter types.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeEnum    = "enum"
)

// ParameterDef declares a parameter on a component or pipeline.
type ParameterDef struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type,omitempty"`
	Default     *string  `yaml:"default,omitempty"`
	Optional    bool     `yaml:"optional,omitempty"`
	Enum        []string `yaml:"enum,omitempty"`
	Description string   `yaml:"description,omitempty"`
}

// Required reports whether a value must be bound.
func (p ParameterDef) Required() bool {
	return p.Default == nil && !p.Optional
}

// InputDef declares an input port.
type InputDef struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type,omitempty"`
	Optional    bool   `yaml:"optional,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// OutputDef declares an output port.
type OutputDef struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// ComponentDefinition is a reusable unit of computation.
type ComponentDefinition struct {
	Name           string              `yaml:"name"`
	Version        string              `yaml:"version,omitempty"`
	Description    string              `yaml:"description,omitempty"`
	Inputs         []InputDef          `yaml:"inputs,omitempty"`
	Outputs        []OutputDef         `yaml:"outputs,omitempty"`
	Parameters     []ParameterDef      `yaml:"parameters,omitempty"`
	DefaultCompute string              `yaml:"compute,omitempty"`
	RunSettings    map[string]any      `yaml:"run_settings,omitempty"`
	Mode           model.ExecutionMode `yaml:"mode,omitempty"`
	Command        model.Command       `yaml:"command"`
	Environment    model.Environment   `yaml:"environment,omitempty"`
}

// ID is the stable definition identifier, "name:version".
func (c *ComponentDefinition) ID() string {
	v := c.Version
	if v == "" {
		v = "1"
	}
	return c.Name + ":" + v
}

// Parameter returns the named parameter declaration.
func (c *ComponentDefinition) Parameter(name string) (ParameterDef, bool) {
	for _, p := range c.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ParameterDef{}, false
}

// Module returns the executable description shipped with a submission.
func (c *ComponentDefinition) Module() model.ModuleDefinition {
	m := model.ModuleDefinition{
		ID:          c.ID(),
		Name:        c.Name,
		Version:     c.Version,
		Mode:        c.Mode,
		Command:     c.Command,
		Environment: c.Environment,
	}
	for _, in := range c.Inputs {
		m.Inputs = append(m.Inputs, in.Name)
	}
	for _, out := range c.Outputs {
		m.Outputs = append(m.Outputs, out.Name)
	}
	return m
}
