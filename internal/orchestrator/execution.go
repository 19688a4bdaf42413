package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/me/pipekit/pkg/model"
)

// maxLogChunk bounds one ReadLog response.
const maxLogChunk = 1 << 20

// Event reports a node transition, or the end of the run when NodeID is
// empty and RunStatus is set.
type Event struct {
	RunID     string
	NodeID    string
	Name      string
	Mode      model.ExecutionMode
	From      model.NodeState
	To        model.NodeState
	ExitCode  *int
	Err       error
	Elapsed   time.Duration
	RunStatus model.RunStatus
	Time      time.Time
}

// Listener observes a run. Listeners are called one at a time in transition
// order and must not block for long.
type Listener func(Event)

// inputBinding feeds one input port from an upstream output or a dataset.
type inputBinding struct {
	port     string
	output   string
	producer *nodeRun
	dataset  *model.GraphDatasetNode
}

// nodeRun is the per-node state of a local run.
type nodeRun struct {
	index  int
	id     string
	name   string
	graph  model.GraphModuleNode
	module model.ModuleDefinition
	mode   model.ExecutionMode
	dir    string

	inputs     []inputBinding
	deps       []*nodeRun
	dependents []*nodeRun
	waiting    int

	state    model.NodeState
	exitCode *int
	err      *model.Error
	start    time.Time
	end      time.Time
}

func (n *nodeRun) inputsDir() string  { return filepath.Join(n.dir, "inputs") }
func (n *nodeRun) outputsDir() string { return filepath.Join(n.dir, "outputs") }

// Execution is a local run.
type Execution struct {
	id         string
	experiment string
	root       string
	req        *model.SubmitRequest
	goos       string
	cfg        Config
	runner     Runner
	fetcher    Fetcher
	uploader   LogUploader
	metrics    *Metrics
	docker     *dockerRuntime
	echo       *lockedWriter
	listeners  []Listener
	continueOn bool
	logger     *slog.Logger

	nodes map[string]*nodeRun
	order []*nodeRun

	// mu guards node states and the fields below it.
	mu       sync.Mutex
	stopping bool
	aborted  error
	failed   []*nodeRun
	status   model.RunStatus
	detail   string
	start    time.Time
	end      time.Time
	err      *model.Error

	// notifyMu orders listener calls.
	notifyMu sync.Mutex

	cancel func()
	done   chan struct{}
}

// ID returns the run id.
func (e *Execution) ID() string { return e.id }

// Root returns the run's working directory.
func (e *Execution) Root() string { return e.root }

// Request returns the request the run executes.
func (e *Execution) Request() *model.SubmitRequest { return e.req }

// Done is closed when the run reaches a terminal status.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Cancel stops dispatching, terminates running nodes and cancels the rest.
func (e *Execution) Cancel() {
	e.mu.Lock()
	if !e.status.IsTerminal() {
		e.status = model.RunStatusCancelRequested
	}
	e.mu.Unlock()
	e.cancel()
}

// Wait blocks until the run finishes or ctx ends. It returns the run's
// failure, if any.
func (e *Execution) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the structured failure of a finished run.
func (e *Execution) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err == nil {
		return nil
	}
	return e.err
}

// NodeState returns the state of a node by graph node id.
func (e *Execution) NodeState(nodeID string) (model.NodeState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.nodes[nodeID]
	if !ok {
		return "", false
	}
	return n.state, true
}

// NodeID returns the graph node id of the node with the given name.
func (e *Execution) NodeID(name string) (string, bool) {
	for _, n := range e.order {
		if n.name == name || n.id == name {
			return n.id, true
		}
	}
	return "", false
}

// Status returns a snapshot in the status wire format.
func (e *Execution) Status() *model.RunStatusEntity {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent := &model.RunStatusEntity{
		RunID:        e.id,
		Experiment:   e.experiment,
		Status:       e.status,
		StatusDetail: e.detail,
		NodeStatus:   make(map[string]model.NodeStatus, len(e.order)),
	}
	if !e.start.IsZero() {
		t := e.start
		ent.StartTime = &t
	}
	if !e.end.IsZero() {
		t := e.end
		ent.EndTime = &t
	}
	for _, n := range e.order {
		ns := model.NodeStatus{
			Status: model.RunStatusFromNode(n.state),
			Name:   n.name,
		}
		if n.exitCode != nil {
			code := *n.exitCode
			ns.StatusCode = &code
		}
		if n.err != nil {
			ns.StatusDetail = n.err.Error()
		}
		if !n.start.IsZero() {
			t := n.start
			ns.StartTime = &t
		}
		if !n.end.IsZero() {
			t := n.end
			ns.EndTime = &t
		}
		ent.NodeStatus[n.id] = ns
	}
	return ent
}

// Outputs lists a node's outputs. Outputs that were not produced have an
// empty locator.
func (e *Execution) Outputs(nodeID string) ([]model.OutputInfo, error) {
	n, ok := e.nodes[nodeID]
	if !ok {
		return nil, model.NewNotFoundError("step", nodeID)
	}
	state, _ := e.NodeState(nodeID)
	out := make([]model.OutputInfo, 0, len(n.module.Outputs))
	for _, port := range n.module.Outputs {
		info := model.OutputInfo{Name: port, Datastore: model.DatastoreLocal}
		p := filepath.Join(n.outputsDir(), port)
		if state == model.NodeStateCompleted {
			if _, err := os.Stat(p); err == nil {
				info.Locator = p
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// LogFiles lists the log files a node has written so far.
func (e *Execution) LogFiles(nodeID string) ([]model.LogFile, error) {
	n, ok := e.nodes[nodeID]
	if !ok {
		return nil, model.NewNotFoundError("step", nodeID)
	}
	var files []model.LogFile
	for _, name := range []string{StdoutLog, StderrLog} {
		info, err := os.Stat(filepath.Join(n.dir, name))
		if err != nil {
			continue
		}
		files = append(files, model.LogFile{Name: name, Size: info.Size()})
	}
	return files, nil
}

// ReadLog returns log bytes from offset. Reading past the end returns an
// empty chunk.
func (e *Execution) ReadLog(nodeID, name string, offset int64) (*model.LogChunk, error) {
	n, ok := e.nodes[nodeID]
	if !ok {
		return nil, model.NewNotFoundError("step", nodeID)
	}
	if name != StdoutLog && name != StderrLog {
		return nil, model.NewNotFoundError("log", name)
	}
	chunk := &model.LogChunk{Name: name, Offset: offset, NextOffset: offset}
	f, err := os.Open(filepath.Join(n.dir, name))
	if os.IsNotExist(err) {
		return chunk, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset > info.Size() {
		// The file was replaced; start over.
		offset = 0
		chunk.Offset = 0
	}
	buf := make([]byte, min(info.Size()-offset, maxLogChunk))
	read, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	chunk.Data = string(buf[:read])
	chunk.NextOffset = offset + int64(read)
	return chunk, nil
}

// update runs fn under the state lock and then publishes its events in
// order, after the lock is released.
func (e *Execution) update(fn func() []Event) {
	e.mu.Lock()
	events := fn()
	e.notifyMu.Lock()
	e.mu.Unlock()
	defer e.notifyMu.Unlock()
	for _, ev := range events {
		e.publish(ev)
	}
}

// setStateLocked applies a valid transition. Terminal states are sticky.
func (e *Execution) setStateLocked(n *nodeRun, to model.NodeState) (Event, bool) {
	from := n.state
	if !from.CanTransitionTo(to) {
		return Event{}, false
	}
	now := time.Now()
	n.state = to
	switch {
	case to == model.NodeStateRunning:
		n.start = now
	case to.IsTerminal():
		n.end = now
	}
	ev := Event{
		RunID:    e.id,
		NodeID:   n.id,
		Name:     n.name,
		Mode:     n.mode,
		From:     from,
		To:       to,
		ExitCode: n.exitCode,
		Time:     now,
	}
	if n.err != nil {
		ev.Err = n.err
	}
	if from == model.NodeStateRunning {
		ev.Elapsed = now.Sub(n.start)
	}
	return ev, true
}

func (e *Execution) publish(ev Event) {
	if ev.NodeID != "" {
		e.metrics.observeTransition(ev.From, ev.To, ev.Mode, ev.Elapsed)
		attrs := []any{"node", ev.Name, "state", ev.To}
		if ev.Elapsed > 0 {
			attrs = append(attrs, "duration", formatDuration(ev.Elapsed))
		}
		if ev.Err != nil {
			attrs = append(attrs, "error", ev.Err)
			e.logger.Warn("node transition", attrs...)
		} else {
			e.logger.Debug("node transition", attrs...)
		}
	}
	for _, l := range e.listeners {
		l(ev)
	}
}

// cancelPendingLocked cancels every node that has not been queued.
func (e *Execution) cancelPendingLocked() []Event {
	var events []Event
	for _, n := range e.order {
		if n.state == model.NodeStatePending {
			if ev, ok := e.setStateLocked(n, model.NodeStateCanceled); ok {
				events = append(events, ev)
			}
		}
	}
	return events
}

// cancelDependentsLocked cancels every node reachable from n.
func (e *Execution) cancelDependentsLocked(n *nodeRun) []Event {
	var events []Event
	seen := map[*nodeRun]bool{}
	queue := append([]*nodeRun(nil), n.dependents...)
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		if seen[d] {
			continue
		}
		seen[d] = true
		if ev, ok := e.setStateLocked(d, model.NodeStateCanceled); ok {
			events = append(events, ev)
		}
		queue = append(queue, d.dependents...)
	}
	return events
}

// runErrorLocked builds the failure of a run from its failed nodes, first
// failure first.
func (e *Execution) runErrorLocked() *model.Error {
	details := make([]*model.Error, 0, len(e.failed))
	for _, n := range e.failed {
		details = append(details, n.err)
	}
	first := e.failed[0]
	return &model.Error{
		Kind:    model.KindExecution,
		Code:    model.CodeRunFailed,
		Subject: e.id,
		Message: fmt.Sprintf("run %s failed: %d node(s) failed, first %q: %s", e.id, len(e.failed), first.name, first.err.Message),
		Details: details,
	}
}
