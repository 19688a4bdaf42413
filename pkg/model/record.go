package model

import "time"

// RunRecord is a run as kept in run history.
type RunRecord struct {
	ID           string         `json:"runId"`
	Experiment   string         `json:"experimentName"`
	Status       RunStatus      `json:"status"`
	StatusDetail string         `json:"statusDetail,omitempty"`
	Request      *SubmitRequest `json:"request,omitempty"`
	// PipelineID is set for runs submitted through an endpoint.
	PipelineID string     `json:"pipelineId,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartTime  *time.Time `json:"startTime,omitempty"`
	EndTime    *time.Time `json:"endTime,omitempty"`
}

// Endpoint is a named publication with versioned pipelines.
type Endpoint struct {
	Name           string    `json:"name"`
	DefaultVersion string    `json:"defaultVersion"`
	CreatedAt      time.Time `json:"createdAt"`
}
