package model

import "time"

// SubmitRequest is the body of a pipeline run submission.
type SubmitRequest struct {
	ExperimentName string `json:"experimentName"`
	// RunID, when set, makes the submission idempotent for the same graph.
	RunID                             string                            `json:"runId,omitempty"`
	Description                       string                            `json:"description,omitempty"`
	ComputeTarget                     string                            `json:"computeTarget"`
	Graph                             *GraphEntity                      `json:"graph"`
	ModuleNodeRunSettings             []ModuleNodeRunSetting            `json:"moduleNodeRunSettings"`
	PipelineParameters                map[string]string                 `json:"pipelineParameters"`
	DataSetDefinitionValueAssignments map[string]DataSetDefinitionValue `json:"dataSetDefinitionValueAssignments"`
	Tags                              map[string]string                 `json:"tags,omitempty"`
	Properties                        map[string]string                 `json:"properties,omitempty"`
	ContinueRunOnStepFailure          bool                              `json:"continueRunOnStepFailure"`
	ModuleDefinitions                 map[string]ModuleDefinition       `json:"moduleDefinitions,omitempty"`
}

// ModuleNodeRunSetting carries the resolved run settings of one graph node.
type ModuleNodeRunSetting struct {
	NodeID      string         `json:"nodeId"`
	ModuleID    string         `json:"moduleId"`
	RunSettings map[string]any `json:"runSettings"`
}

// DataSetDefinitionValue binds a dataset-typed pipeline parameter.
type DataSetDefinitionValue struct {
	DatasetNodeID string `json:"datasetNodeId"`
	Kind          string `json:"kind"`
	Locator       string `json:"locator"`
}

// SubmitResponse is returned by run submissions.
type SubmitResponse struct {
	RunID          string    `json:"runId"`
	ExperimentName string    `json:"experimentName"`
	Status         RunStatus `json:"status"`
}

// Draft is a persisted, unsubmitted pipeline graph.
type Draft struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Request   *SubmitRequest `json:"request"`
	CreatedAt time.Time      `json:"createdAt"`
}

// PublishRequest publishes a graph, optionally under a named endpoint.
type PublishRequest struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Version      string         `json:"version,omitempty"`
	Request      *SubmitRequest `json:"request"`
	EndpointName string         `json:"endpointName,omitempty"`
	// UseExistingEndpoint adds a version to an existing endpoint; when false
	// publishing under an existing name fails.
	UseExistingEndpoint bool `json:"useExistingEndpoint"`
}

// PublishedPipeline is a published, versioned graph.
type PublishedPipeline struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Version      string    `json:"version"`
	EndpointName string    `json:"endpointName,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// EndpointSubmitRequest runs the default (or a given) version of an endpoint.
type EndpointSubmitRequest struct {
	ExperimentName     string            `json:"experimentName"`
	Version            string            `json:"version,omitempty"`
	PipelineParameters map[string]string `json:"pipelineParameters,omitempty"`
}

// RunStatusEntity is the status of a pipeline run and its nodes.
type RunStatusEntity struct {
	RunID        string     `json:"runId"`
	Experiment   string     `json:"experimentName,omitempty"`
	Status       RunStatus  `json:"status"`
	StartTime    *time.Time `json:"startTime,omitempty"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	StatusDetail string     `json:"statusDetail,omitempty"`
	// NodeStatus is keyed by graph node id.
	NodeStatus map[string]NodeStatus `json:"nodeStatus"`
}

// NodeStatus is the status of one graph node.
type NodeStatus struct {
	Status RunStatus `json:"status"`
	// StatusCode is the process exit code when known.
	StatusCode   *int       `json:"statusCode,omitempty"`
	StatusDetail string     `json:"statusDetail,omitempty"`
	StartTime    *time.Time `json:"startTime,omitempty"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	RunID        string     `json:"runId,omitempty"`
	ReusedRunID  string     `json:"reusedRunId,omitempty"`
	Name         string     `json:"name,omitempty"`
}

// Datastore kinds for run outputs.
const (
	DatastoreLocal     = "local"
	DatastoreAzureBlob = "azure_blob"
	DatastoreS3        = "s3"
	DatastoreDataLake  = "azure_data_lake"
)

// OutputInfo locates one output of a step run.
type OutputInfo struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
	// Datastore is the storage kind; Locator is kind-specific
	// (local path, blob URL, s3://bucket/key).
	Datastore string `json:"datastore,omitempty"`
	Locator   string `json:"locator,omitempty"`
}

// LogFile describes one log file of a step run.
type LogFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// LogChunk is a slice of a log file starting at Offset.
type LogChunk struct {
	Name       string `json:"name"`
	Offset     int64  `json:"offset"`
	NextOffset int64  `json:"nextOffset"`
	Data       string `json:"data"`
}
