package model

// GraphEntity is the flat wire-format graph produced from an in-memory pipeline.
type GraphEntity struct {
	Nodes        []GraphModuleNode  `json:"nodes"`
	DatasetNodes []GraphDatasetNode `json:"datasetNodes"`
	Edges        []GraphEdge        `json:"edges"`
	// ModuleNodeToGraphNodeMapping maps in-memory instance ids to graph node ids.
	ModuleNodeToGraphNodeMapping map[string]string `json:"moduleNodeToGraphNodeMapping"`
	// Outputs maps public pipeline output names to the producing port.
	Outputs          map[string]PortRef `json:"outputs,omitempty"`
	DefaultCompute   string             `json:"defaultCompute,omitempty"`
	DefaultDatastore string             `json:"defaultDatastore,omitempty"`
}

// GraphModuleNode is one component invocation in the graph.
type GraphModuleNode struct {
	ID          string            `json:"id"`
	ModuleID    string            `json:"moduleId"`
	Name        string            `json:"name"`
	Parameters  map[string]string `json:"moduleParameters"`
	RunSettings map[string]any    `json:"runSettings,omitempty"`
	Compute     string            `json:"computeTarget,omitempty"`
	// InputSettings and OutputSettings carry per-port overrides.
	InputSettings  []InputSetting  `json:"moduleInputSettings,omitempty"`
	OutputSettings []OutputSetting `json:"moduleOutputSettings,omitempty"`
}

// InputSetting overrides how an input port is consumed.
type InputSetting struct {
	Name          string `json:"name"`
	Mode          string `json:"dataStoreMode,omitempty"`
	PathOnCompute string `json:"pathOnCompute,omitempty"`
}

// OutputSetting overrides where an output port is stored.
type OutputSetting struct {
	Name            string `json:"name"`
	DatastoreName   string `json:"dataStoreName,omitempty"`
	PathOnDatastore string `json:"pathOnDatastore,omitempty"`
	RegisterName    string `json:"datasetRegistrationName,omitempty"`
	RegisterDesc    string `json:"datasetRegistrationDescription,omitempty"`
}

// Dataset kinds understood by the materializer.
const (
	DatasetKindRegistered = "registered"
	DatasetKindURIFile    = "uri_file"
	DatasetKindURIFolder  = "uri_folder"
	DatasetKindLocalPath  = "local_path"
)

// GraphDatasetNode is a content-addressed dataset referenced by the graph.
type GraphDatasetNode struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Locator string `json:"locator"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// PortRef addresses a port on a graph node (module or dataset).
type PortRef struct {
	NodeID   string `json:"nodeId"`
	PortName string `json:"portName"`
}

// GraphEdge connects a producing port to a consuming port.
type GraphEdge struct {
	Source      PortRef `json:"sourceOutputPort"`
	Destination PortRef `json:"destinationInputPort"`
}

// ModuleDefinition is the executable description of a component, shipped
// alongside a graph so a backend can run it without a component registry.
type ModuleDefinition struct {
	ID          string        `json:"id" yaml:"id"`
	Name        string        `json:"name" yaml:"name"`
	Version     string        `json:"version,omitempty" yaml:"version,omitempty"`
	Mode        ExecutionMode `json:"mode,omitempty" yaml:"mode,omitempty"`
	Command     Command       `json:"command" yaml:"command"`
	Environment Environment   `json:"environment" yaml:"environment"`
	Inputs      []string      `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     []string      `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// Command is either list form (Args) or string form (Line).
type Command struct {
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
	Line string   `json:"line,omitempty" yaml:"line,omitempty"`
}

// IsEmpty reports whether neither form is set.
func (c Command) IsEmpty() bool {
	return len(c.Args) == 0 && c.Line == ""
}

// Environment describes where a component runs.
type Environment struct {
	Image    string   `json:"image,omitempty" yaml:"image,omitempty"`
	CondaEnv string   `json:"condaEnv,omitempty" yaml:"conda_env,omitempty"`
	OS       string   `json:"os,omitempty" yaml:"os,omitempty"`
	Volumes  []Volume `json:"volumes,omitempty" yaml:"volumes,omitempty"`
}

// Volume maps a host path into a container.
type Volume struct {
	HostPath      string `json:"hostPath" yaml:"host_path"`
	ContainerPath string `json:"containerPath" yaml:"container_path"`
	Writable      bool   `json:"writable,omitempty" yaml:"writable,omitempty"`
}

// Component operating systems.
const (
	OSLinux   = "Linux"
	OSWindows = "Windows"
)
