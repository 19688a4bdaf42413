// Package run observes a submitted or local pipeline run: status, steps,
// outputs, log following and waiting for completion.
package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/me/pipekit/internal/datastore"
	"github.com/me/pipekit/pkg/model"
)

// DefaultPollInterval is the lower bound between status polls.
const DefaultPollInterval = 5 * time.Second

// Run is a handle on one pipeline run.
type Run struct {
	backend      Backend
	id           string
	experiment   string
	created      time.Time
	pollInterval time.Duration
	out          io.Writer
	stores       *datastore.Resolver
	logger       *slog.Logger

	mu      sync.Mutex
	status  *model.RunStatusEntity
	graph   *model.GraphEntity
	outputs map[string][]*Output
}

// Option customizes a Run.
type Option func(*Run)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(r *Run) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithOutput sets where WaitForCompletion and downloads report progress.
// Default: os.Stdout
func WithOutput(w io.Writer) Option { return func(r *Run) { r.out = w } }

// WithDatastores sets the downloaders used by Output.Download.
func WithDatastores(s *datastore.Resolver) Option { return func(r *Run) { r.stores = s } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Run) { r.logger = l } }

// New creates a handle on the run runID served by b.
func New(b Backend, runID, experiment string, opts ...Option) *Run {
	r := &Run{
		backend:      b,
		id:           runID,
		experiment:   experiment,
		created:      time.Now(),
		pollInterval: DefaultPollInterval,
		out:          os.Stdout,
		logger:       slog.Default(),
		outputs:      map[string][]*Output{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "run", "run_id", runID)
	if r.stores == nil {
		r.stores = datastore.NewResolver(datastore.Config{}, r.logger)
	}
	return r
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Experiment returns the experiment name.
func (r *Run) Experiment() string { return r.experiment }

// Type is always model.RunTypePipeline; steps are described by Step.
func (r *Run) Type() model.RunType { return model.RunTypePipeline }

// CreatedAt is when the handle was created.
func (r *Run) CreatedAt() time.Time { return r.created }

// GetStatus fetches the latest status. Status strings the backend reports
// that this client does not know are returned verbatim.
func (r *Run) GetStatus(ctx context.Context) (model.RunStatus, error) {
	st, err := r.refresh(ctx)
	if err != nil {
		return "", err
	}
	return st.Status, nil
}

// StatusEntity returns the last fetched status, or nil before the first
// fetch.
func (r *Run) StatusEntity() *model.RunStatusEntity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Run) refresh(ctx context.Context) (*model.RunStatusEntity, error) {
	st, err := r.backend.GetRunStatus(ctx, r.id)
	if err != nil {
		return nil, err
	}
	st.Status = model.ParseRunStatus(string(st.Status))
	r.mu.Lock()
	r.status = st
	r.mu.Unlock()
	return st, nil
}

// Cancel asks the backend to cancel the run.
func (r *Run) Cancel(ctx context.Context) error {
	return r.backend.CancelRun(ctx, r.id)
}

// Step is a step run of a pipeline run.
type Step struct {
	run    *Run
	NodeID string
	Name   string
	Status model.NodeStatus
}

// Type is always model.RunTypeStep.
func (s *Step) Type() model.RunType { return model.RunTypeStep }

// Steps returns the run's steps in graph order with their latest status.
func (r *Run) Steps(ctx context.Context) ([]*Step, error) {
	g, err := r.getGraph(ctx)
	if err != nil {
		return nil, err
	}
	st, err := r.refresh(ctx)
	if err != nil {
		return nil, err
	}
	steps := make([]*Step, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		ns := st.NodeStatus[n.ID]
		ns.Status = model.ParseRunStatus(string(ns.Status))
		steps = append(steps, &Step{run: r, NodeID: n.ID, Name: n.Name, Status: ns})
	}
	return steps, nil
}

// Step finds a step by name or graph node id.
func (r *Run) Step(ctx context.Context, name string) (*Step, error) {
	steps, err := r.Steps(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range steps {
		if s.Name == name || s.NodeID == name {
			return s, nil
		}
	}
	return nil, model.NewNotFoundError("step", name)
}

func (r *Run) getGraph(ctx context.Context) (*model.GraphEntity, error) {
	r.mu.Lock()
	g := r.graph
	r.mu.Unlock()
	if g != nil {
		return g, nil
	}
	g, err := r.backend.GetRunGraph(ctx, r.id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.graph = g
	r.mu.Unlock()
	return g, nil
}

// nodeName maps a graph node id to its display name.
func (r *Run) nodeName(id string, ns model.NodeStatus) string {
	if ns.Name != "" {
		return ns.Name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.graph != nil {
		for _, n := range r.graph.Nodes {
			if n.ID == id {
				return n.Name
			}
		}
	}
	return id
}

// WaitOptions configure WaitForCompletion.
type WaitOptions struct {
	// ShowOutput streams step status changes and primary logs.
	ShowOutput bool
	// Timeout bounds the wait. Zero waits indefinitely.
	Timeout time.Duration
	// RaiseOnError returns the run's structured failure when it fails.
	RaiseOnError bool
}

// WaitForCompletion polls until the run reaches a terminal status. Ending
// the wait through ctx or the timeout never cancels the run; the returned
// CancellationError says how to.
func (r *Run) WaitForCompletion(ctx context.Context, opts WaitOptions) (*model.RunStatusEntity, error) {
	waitCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var followers *followerSet
	if opts.ShowOutput {
		followers = newFollowerSet(r, r.out)
		fmt.Fprintf(r.out, "Run %s (experiment %s)\n", r.id, r.experiment)
		if _, err := r.getGraph(waitCtx); err != nil {
			r.logger.Debug("run graph unavailable", "error", err)
		}
	}

	limiter := rate.NewLimiter(rate.Every(r.pollInterval), 1)
	lastStatus := model.RunStatus("")
	for {
		if err := limiter.Wait(waitCtx); err != nil {
			// The limiter gives up early when the next poll would miss the
			// deadline.
			<-waitCtx.Done()
			return r.StatusEntity(), r.detached(waitCtx.Err())
		}
		st, err := r.refresh(waitCtx)
		if err != nil {
			if waitCtx.Err() != nil {
				return r.StatusEntity(), r.detached(waitCtx.Err())
			}
			return nil, err
		}

		if followers != nil {
			if st.Status != lastStatus {
				fmt.Fprintf(r.out, "Status: %s\n", st.Status)
			}
			followers.update(waitCtx, st)
		}
		lastStatus = st.Status

		if st.Status.IsTerminal() {
			if followers != nil {
				followers.finish(waitCtx)
				r.printSummary(st)
			}
			if opts.RaiseOnError && st.Status == model.RunStatusFailed {
				return st, r.failure(st)
			}
			return st, nil
		}
	}
}

// detached is the error a waiter sees when it stops waiting early.
func (r *Run) detached(err error) error {
	what := "stopped waiting for"
	if errors.Is(err, context.DeadlineExceeded) {
		what = "timed out waiting for"
	}
	msg := fmt.Sprintf("%s run %s; the run continues. To cancel it run: pipekit cancel %s", what, r.id, r.id)
	return model.Cancellation(msg, err)
}

// failure builds the structured error of a failed run from its step status.
func (r *Run) failure(st *model.RunStatusEntity) *model.Error {
	ids := make([]string, 0, len(st.NodeStatus))
	for id, ns := range st.NodeStatus {
		if model.ParseRunStatus(string(ns.Status)) == model.RunStatusFailed {
			ids = append(ids, id)
		}
	}
	sortByStart(ids, st.NodeStatus)

	details := make([]*model.Error, 0, len(ids))
	for _, id := range ids {
		ns := st.NodeStatus[id]
		name := r.nodeName(id, ns)
		var d *model.Error
		if ns.StatusCode != nil && *ns.StatusCode != 0 {
			d = model.NodeFailed(name, *ns.StatusCode)
		} else {
			d = &model.Error{Kind: model.KindExecution, Code: model.CodeOrchestratorError, Subject: name, Message: "node " + name}
		}
		if ns.StatusDetail != "" {
			d.Message = ns.StatusDetail
		}
		details = append(details, d)
	}

	msg := fmt.Sprintf("run %s failed", r.id)
	if st.StatusDetail != "" {
		msg = st.StatusDetail
	} else if len(details) > 0 {
		msg = fmt.Sprintf("run %s failed: %d node(s) failed, first %q: %s", r.id, len(details), details[0].Subject, details[0].Message)
	}
	return &model.Error{
		Kind:    model.KindExecution,
		Code:    model.CodeRunFailed,
		Subject: r.id,
		Message: msg,
		Details: details,
	}
}

func (r *Run) printSummary(st *model.RunStatusEntity) {
	fmt.Fprintf(r.out, "\nRun %s finished: %s\n", r.id, st.Status)
	if st.StatusDetail != "" {
		fmt.Fprintf(r.out, "  %s\n", st.StatusDetail)
	}
	if st.StartTime != nil && st.EndTime != nil {
		fmt.Fprintf(r.out, "  duration: %s\n", st.EndTime.Sub(*st.StartTime).Round(time.Millisecond))
	}
}

// sortByStart orders node ids by start time, then id.
func sortByStart(ids []string, nodes map[string]model.NodeStatus) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := nodes[ids[i]].StartTime, nodes[ids[j]].StartTime
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return ids[i] < ids[j]
	})
}
