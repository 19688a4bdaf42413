package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/me/pipekit/pkg/model"
)

// nodeResult is what a worker reports for one job.
type nodeResult struct {
	node     *nodeRun
	claimed  bool
	exitCode int
	err      error
	canceled bool
}

// schedule dispatches ready nodes to the worker pool until nothing is in
// flight, then publishes the run's terminal status.
func (e *Execution) schedule(ctx context.Context) {
	total := len(e.order)
	jobs := make(chan *nodeRun, total)
	results := make(chan nodeResult, total)

	numWorkers := min(e.cfg.MaxWorkers, total)
	if numWorkers < 1 {
		numWorkers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go e.worker(ctx, jobs, results, &wg)
	}
	e.logger.Debug("starting workers", "nodes", total, "workers", numWorkers)

	inFlight := 0
	dispatch := func(ready []*nodeRun) {
		for _, n := range ready {
			queued := false
			e.update(func() []Event {
				if e.stopping {
					return nil
				}
				ev, ok := e.setStateLocked(n, model.NodeStateQueued)
				if !ok {
					return nil
				}
				queued = true
				return []Event{ev}
			})
			if queued {
				jobs <- n
				inFlight++
			}
		}
	}

	var initial []*nodeRun
	for _, n := range e.order {
		if n.waiting == 0 {
			initial = append(initial, n)
		}
	}
	dispatch(initial)

	done := ctx.Done()
	for inFlight > 0 {
		select {
		case r := <-results:
			inFlight--
			dispatch(e.complete(r))
		case <-done:
			done = nil
			e.abort(ctx.Err())
		}
	}
	close(jobs)
	wg.Wait()

	// A cancel that raced with the last result still cancels what is left.
	if ctx.Err() != nil {
		e.abort(ctx.Err())
	}
	e.finish()
}

// worker claims queued nodes and executes them.
func (e *Execution) worker(ctx context.Context, jobs <-chan *nodeRun, results chan<- nodeResult, wg *sync.WaitGroup) {
	defer wg.Done()
	for n := range jobs {
		if !e.claim(ctx, n) {
			results <- nodeResult{node: n}
			continue
		}
		code, err := e.execute(ctx, n)
		results <- nodeResult{
			node:     n,
			claimed:  true,
			exitCode: code,
			err:      err,
			canceled: ctx.Err() != nil,
		}
	}
}

// claim moves a queued node to Running, or to Canceled when the run is
// stopping.
func (e *Execution) claim(ctx context.Context, n *nodeRun) bool {
	running := false
	e.update(func() []Event {
		to := model.NodeStateRunning
		if e.stopping || ctx.Err() != nil {
			to = model.NodeStateCanceled
		}
		ev, ok := e.setStateLocked(n, to)
		if !ok {
			return nil
		}
		running = to == model.NodeStateRunning
		return []Event{ev}
	})
	return running
}

// complete records a worker result and returns the nodes it made ready.
func (e *Execution) complete(r nodeResult) []*nodeRun {
	if !r.claimed {
		return nil
	}
	n := r.node
	var ready []*nodeRun
	e.update(func() []Event {
		if r.exitCode >= 0 && (r.err == nil || !r.canceled) {
			code := r.exitCode
			n.exitCode = &code
		}

		var to model.NodeState
		switch {
		case r.err == nil && r.exitCode == 0:
			to = model.NodeStateCompleted
		case r.canceled:
			to = model.NodeStateCanceled
		default:
			to = model.NodeStateFailed
			n.err = nodeError(n, r.exitCode, r.err)
		}
		ev, ok := e.setStateLocked(n, to)
		if !ok {
			return nil
		}
		events := []Event{ev}

		switch to {
		case model.NodeStateCompleted:
			for _, d := range n.dependents {
				d.waiting--
				if d.waiting == 0 && d.state == model.NodeStatePending && !e.stopping {
					ready = append(ready, d)
				}
			}
		case model.NodeStateFailed:
			e.failed = append(e.failed, n)
			if e.continueOn {
				events = append(events, e.cancelDependentsLocked(n)...)
			} else {
				e.stopping = true
				events = append(events, e.cancelPendingLocked()...)
			}
		}
		return events
	})
	sort.Slice(ready, func(i, j int) bool { return ready[i].index < ready[j].index })
	return ready
}

// abort stops dispatching because the run was canceled or timed out.
func (e *Execution) abort(cause error) {
	e.update(func() []Event {
		if e.aborted == nil {
			e.aborted = cause
		}
		e.stopping = true
		return e.cancelPendingLocked()
	})
}

// finish publishes the run's terminal status.
func (e *Execution) finish() {
	var status model.RunStatus
	e.update(func() []Event {
		now := time.Now()
		switch {
		case len(e.failed) > 0:
			status = model.RunStatusFailed
			e.err = e.runErrorLocked()
			e.detail = e.err.Message
		case e.aborted != nil:
			status = model.RunStatusCanceled
			if errors.Is(e.aborted, context.DeadlineExceeded) {
				e.detail = "run timed out after " + formatDuration(e.cfg.Timeout)
			} else {
				e.detail = "run was canceled"
			}
		default:
			status = model.RunStatusCompleted
		}
		e.status = status
		e.end = now
		return []Event{{RunID: e.id, RunStatus: status, Time: now}}
	})

	e.metrics.Runs.WithLabelValues(string(status)).Inc()
	counts := map[model.NodeState]int{}
	e.mu.Lock()
	for _, n := range e.order {
		counts[n.state]++
	}
	elapsed := e.end.Sub(e.start)
	e.mu.Unlock()
	e.logger.Info("run finished",
		"status", status,
		"duration", formatDuration(elapsed),
		"completed", counts[model.NodeStateCompleted],
		"failed", counts[model.NodeStateFailed],
		"canceled", counts[model.NodeStateCanceled],
	)
	e.cancel()
	close(e.done)
}

// nodeError classifies a node failure.
func nodeError(n *nodeRun, exitCode int, err error) *model.Error {
	if err == nil {
		return model.NodeFailed(n.name, exitCode)
	}
	var me *model.Error
	if errors.As(err, &me) {
		return me
	}
	return model.OrchestratorError(n.name, err)
}
