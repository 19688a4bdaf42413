package run

import (
	"context"

	"github.com/me/pipekit/internal/orchestrator"
	"github.com/me/pipekit/pkg/model"
)

// Backend serves run state. *client.Client implements it for remote runs
// and Local for runs executing in this process.
type Backend interface {
	GetRunStatus(ctx context.Context, runID string) (*model.RunStatusEntity, error)
	GetRunGraph(ctx context.Context, runID string) (*model.GraphEntity, error)
	GetStepOutputs(ctx context.Context, runID, nodeID string) ([]model.OutputInfo, error)
	ListLogFiles(ctx context.Context, runID, nodeID string) ([]model.LogFile, error)
	GetLogs(ctx context.Context, runID, nodeID, file string, offset int64) (*model.LogChunk, error)
	CancelRun(ctx context.Context, runID string) error
}

// Local adapts runs started by an Orchestrator to Backend.
type Local struct {
	orch *orchestrator.Orchestrator
}

// NewLocal creates a Backend over o.
func NewLocal(o *orchestrator.Orchestrator) *Local {
	return &Local{orch: o}
}

func (l *Local) execution(runID string) (*orchestrator.Execution, error) {
	e, ok := l.orch.Get(runID)
	if !ok {
		return nil, model.NewNotFoundError("run", runID)
	}
	return e, nil
}

func (l *Local) GetRunStatus(_ context.Context, runID string) (*model.RunStatusEntity, error) {
	e, err := l.execution(runID)
	if err != nil {
		return nil, err
	}
	return e.Status(), nil
}

func (l *Local) GetRunGraph(_ context.Context, runID string) (*model.GraphEntity, error) {
	e, err := l.execution(runID)
	if err != nil {
		return nil, err
	}
	return e.Request().Graph, nil
}

func (l *Local) GetStepOutputs(_ context.Context, runID, nodeID string) ([]model.OutputInfo, error) {
	e, err := l.execution(runID)
	if err != nil {
		return nil, err
	}
	return e.Outputs(nodeID)
}

func (l *Local) ListLogFiles(_ context.Context, runID, nodeID string) ([]model.LogFile, error) {
	e, err := l.execution(runID)
	if err != nil {
		return nil, err
	}
	return e.LogFiles(nodeID)
}

func (l *Local) GetLogs(_ context.Context, runID, nodeID, file string, offset int64) (*model.LogChunk, error) {
	e, err := l.execution(runID)
	if err != nil {
		return nil, err
	}
	return e.ReadLog(nodeID, file, offset)
}

func (l *Local) CancelRun(_ context.Context, runID string) error {
	e, err := l.execution(runID)
	if err != nil {
		return err
	}
	e.Cancel()
	return nil
}
