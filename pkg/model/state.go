package model

import "strings"

// NodeState represents the lifecycle state of a node in a local run.
type NodeState string

const (
	NodeStatePending   NodeState = "Pending"
	NodeStateQueued    NodeState = "Queued"
	NodeStateRunning   NodeState = "Running"
	NodeStateCompleted NodeState = "Completed"
	NodeStateFailed    NodeState = "Failed"
	NodeStateCanceled  NodeState = "Canceled"
)

// String returns the string representation of the node state.
func (s NodeState) String() string {
	return string(s)
}

// IsTerminal returns true if the node is in a final state.
func (s NodeState) IsTerminal() bool {
	switch s {
	case NodeStateCompleted, NodeStateFailed, NodeStateCanceled:
		return true
	}
	return false
}

// ValidNodeTransitions defines the allowed state transitions for local nodes.
// Terminal states have no outgoing transitions.
var ValidNodeTransitions = map[NodeState][]NodeState{
	NodeStatePending: {NodeStateQueued, NodeStateCanceled},
	NodeStateQueued:  {NodeStateRunning, NodeStateCanceled},
	NodeStateRunning: {NodeStateCompleted, NodeStateFailed, NodeStateCanceled},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s NodeState) CanTransitionTo(next NodeState) bool {
	for _, allowed := range ValidNodeTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RunStatus is the status of a pipeline or step run. Values reported by a
// backend that this client does not know are kept verbatim.
type RunStatus string

const (
	RunStatusNotStarted      RunStatus = "NotStarted"
	RunStatusQueued          RunStatus = "Queued"
	RunStatusPreparing       RunStatus = "Preparing"
	RunStatusRunning         RunStatus = "Running"
	RunStatusFinalizing      RunStatus = "Finalizing"
	RunStatusCancelRequested RunStatus = "CancelRequested"
	RunStatusCompleted       RunStatus = "Completed"
	RunStatusFailed          RunStatus = "Failed"
	RunStatusCanceled        RunStatus = "Canceled"
)

var knownRunStatuses = map[string]RunStatus{
	"notstarted":      RunStatusNotStarted,
	"queued":          RunStatusQueued,
	"preparing":       RunStatusPreparing,
	"running":         RunStatusRunning,
	"finalizing":      RunStatusFinalizing,
	"cancelrequested": RunStatusCancelRequested,
	"completed":       RunStatusCompleted,
	"finished":        RunStatusCompleted,
	"failed":          RunStatusFailed,
	"canceled":        RunStatusCanceled,
	"cancelled":       RunStatusCanceled,
}

// ParseRunStatus maps a server status string onto a known status. Unknown
// values are returned unchanged so they can be shown to the user.
func ParseRunStatus(s string) RunStatus {
	if known, ok := knownRunStatuses[strings.ToLower(strings.TrimSpace(s))]; ok {
		return known
	}
	return RunStatus(s)
}

// String returns the string representation of the run status.
func (s RunStatus) String() string {
	return string(s)
}

// IsKnown reports whether the status is one this client understands.
func (s RunStatus) IsKnown() bool {
	_, ok := knownRunStatuses[strings.ToLower(string(s))]
	return ok
}

// IsTerminal returns true for Completed, Failed and Canceled.
func (s RunStatus) IsTerminal() bool {
	switch ParseRunStatus(string(s)) {
	case RunStatusCompleted, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// RunStatusFromNode maps a local node state onto the run status vocabulary.
func RunStatusFromNode(s NodeState) RunStatus {
	switch s {
	case NodeStatePending:
		return RunStatusNotStarted
	case NodeStateQueued:
		return RunStatusQueued
	case NodeStateRunning:
		return RunStatusRunning
	case NodeStateCompleted:
		return RunStatusCompleted
	case NodeStateFailed:
		return RunStatusFailed
	case NodeStateCanceled:
		return RunStatusCanceled
	}
	return RunStatus(s)
}

// RunType distinguishes pipeline runs from their step runs.
type RunType string

const (
	RunTypePipeline RunType = "pipeline"
	RunTypeStep     RunType = "step"
)

// ExecutionMode identifies how a node is run locally.
type ExecutionMode string

const (
	ExecutionModeHost   ExecutionMode = "host"
	ExecutionModeConda  ExecutionMode = "conda"
	ExecutionModeDocker ExecutionMode = "docker"
)
