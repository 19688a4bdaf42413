package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/me/pipekit/internal/orchestrator"
	"github.com/me/pipekit/internal/store"
	"github.com/me/pipekit/pkg/model"
)

// persistTimeout bounds one run-history write made from a listener.
const persistTimeout = 10 * time.Second

// startRun records req and starts it on the orchestrator. A request with a
// run id that is already known returns the existing run.
func (s *Server) startRun(ctx context.Context, req *model.SubmitRequest, pipelineID string) (*model.SubmitResponse, error) {
	if req.Graph == nil {
		return nil, model.NewUserError("a graph is required")
	}
	runID := req.RunID
	if runID != "" {
		existing, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return s.resubmitted(existing), nil
		}
	} else {
		runID = "run_" + uuid.New().String()
	}

	rec := &model.RunRecord{
		ID:         runID,
		Experiment: req.ExperimentName,
		Status:     model.RunStatusNotStarted,
		Request:    req,
		PipelineID: pipelineID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateRun(ctx, rec); err != nil {
		if !errors.Is(err, store.ErrRunExists) {
			return nil, err
		}
		// A concurrent submit with the same id got there first.
		existing, gerr := s.store.GetRun(ctx, runID)
		if gerr != nil || existing == nil {
			return nil, err
		}
		return s.resubmitted(existing), nil
	}

	exec, err := s.orch.Start(ctx, req, orchestrator.StartOptions{
		RunID:     runID,
		Listeners: []orchestrator.Listener{s.recorder(runID)},
	})
	if err != nil {
		now := time.Now().UTC()
		if uerr := s.store.UpdateRunStatus(ctx, &model.RunStatusEntity{
			RunID:        runID,
			Status:       model.RunStatusFailed,
			StatusDetail: err.Error(),
			EndTime:      &now,
		}); uerr != nil {
			s.logger.Error("record failed start", "run_id", runID, "error", uerr)
		}
		return nil, err
	}

	s.logger.Info("run submitted", "run_id", runID, "experiment", req.ExperimentName, "nodes", len(req.Graph.Nodes))
	return &model.SubmitResponse{RunID: exec.ID(), ExperimentName: req.ExperimentName, Status: model.RunStatusRunning}, nil
}

func (s *Server) resubmitted(existing *model.RunRecord) *model.SubmitResponse {
	s.logger.Info("resubmission of known run", "run_id", existing.ID)
	st := existing.Status
	if exec, ok := s.orch.Get(existing.ID); ok {
		st = exec.Status().Status
	}
	return &model.SubmitResponse{RunID: existing.ID, ExperimentName: existing.Experiment, Status: st}
}

// recorder persists a snapshot of the run after every transition. Listener
// calls are serialized, so the last write carries the final status.
func (s *Server) recorder(runID string) orchestrator.Listener {
	return func(ev orchestrator.Event) {
		exec, ok := s.orch.Get(runID)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.store.UpdateRunStatus(ctx, exec.Status()); err != nil {
			s.logger.Error("persist run status", "run_id", runID, "node", ev.Name, "error", err)
		}
		if ev.NodeID == "" {
			s.logger.Info("run finished", "run_id", runID, "status", ev.RunStatus)
		}
	}
}

// runStatus prefers the live execution over run history.
func (s *Server) runStatus(ctx context.Context, runID string) (*model.RunStatusEntity, error) {
	if exec, ok := s.orch.Get(runID); ok {
		return exec.Status(), nil
	}
	st, err := s.store.GetRunStatus(ctx, runID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, model.NewNotFoundError("run", runID)
	}
	return st, nil
}

func (s *Server) recoverRuns(ctx context.Context) error {
	opts := model.ListOptions{Limit: 100}
	var stale []*model.RunRecord
	for {
		runs, total, err := s.store.ListRuns(ctx, opts)
		if err != nil {
			return err
		}
		for _, r := range runs {
			if !r.Status.IsTerminal() {
				if _, live := s.orch.Get(r.ID); !live {
					stale = append(stale, r)
				}
			}
		}
		opts.Offset += len(runs)
		if len(runs) == 0 || opts.Offset >= total {
			break
		}
	}

	now := time.Now().UTC()
	for _, r := range stale {
		st, err := s.store.GetRunStatus(ctx, r.ID)
		if err != nil {
			return err
		}
		st.Status = model.RunStatusFailed
		st.StatusDetail = "server restarted while the run was in progress"
		st.EndTime = &now
		for id, ns := range st.NodeStatus {
			if !ns.Status.IsTerminal() {
				ns.Status = model.RunStatusCanceled
				ns.EndTime = &now
				st.NodeStatus[id] = ns
			}
		}
		if err := s.store.UpdateRunStatus(ctx, st); err != nil {
			return err
		}
		s.logger.Warn("marked interrupted run failed", "run_id", r.ID)
	}
	return nil
}
