package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/me/pipekit/internal/graph"
	"github.com/me/pipekit/pkg/model"
	"github.com/me/pipekit/pkg/pipeline"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// funcRunner adapts a function to Runner.
type funcRunner func(ctx context.Context, cmd Cmd) (int, error)

func (f funcRunner) Run(ctx context.Context, cmd Cmd) (int, error) { return f(ctx, cmd) }

// scriptRunner fakes host commands: "fail" exits 1, "block" waits for
// cancellation, "ok" creates every path argument and prints its name.
func scriptRunner() funcRunner {
	return func(ctx context.Context, cmd Cmd) (int, error) {
		switch cmd.Name {
		case "fail":
			io.WriteString(cmd.Stderr, "boom\n")
			return 1, nil
		case "block":
			<-ctx.Done()
			return -1, ctx.Err()
		case "ok":
			for _, p := range cmd.Args {
				if err := os.WriteFile(p, []byte("ok"), 0o644); err != nil {
					return -1, err
				}
			}
			io.WriteString(cmd.Stdout, "ok\n")
			return 0, nil
		}
		return 127, nil
	}
}

func component(name string, args ...string) *pipeline.ComponentDefinition {
	return &pipeline.ComponentDefinition{
		Name:    name,
		Inputs:  []pipeline.InputDef{{Name: "in", Optional: true}},
		Outputs: []pipeline.OutputDef{{Name: "out"}},
		Command: model.Command{Args: args},
	}
}

// request materializes nodes into a submit request.
func request(t *testing.T, continueOn bool, nodes ...*pipeline.Node) *model.SubmitRequest {
	t.Helper()
	d := pipeline.NewDefinition("test")
	d.Nodes = nodes
	d.Seal()
	p, err := d.Instantiate(nil)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	res, err := graph.New(newTestLogger()).Materialize(p, nil)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	return graph.BuildSubmitRequest(res, graph.SubmitOptions{ExperimentName: "test", ContinueOnStepFailure: continueOn})
}

// recorder collects listener events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) states(name string) []model.NodeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.NodeState
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev.To)
		}
	}
	return out
}

func startRun(t *testing.T, o *Orchestrator, req *model.SubmitRequest, rec *recorder) *Execution {
	t.Helper()
	opts := StartOptions{}
	if rec != nil {
		opts.Listeners = []Listener{rec.listen}
	}
	e, err := o.Start(context.Background(), req, opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return e
}

func waitRun(t *testing.T, e *Execution) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := e.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("run did not finish")
	}
	return err
}

func nodeState(t *testing.T, e *Execution, name string) model.NodeState {
	t.Helper()
	id, ok := e.NodeID(name)
	if !ok {
		t.Fatalf("no node %q", name)
	}
	s, _ := e.NodeState(id)
	return s
}

func TestTwoNodeLinearPipeline(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	emit := component("emit", "sh", "-c", `printf hello > "$1"`, "sh", "{outputs.out}")
	upper := &pipeline.ComponentDefinition{
		Name:    "upper",
		Inputs:  []pipeline.InputDef{{Name: "in"}},
		Command: model.Command{Line: `sh -c 'tr a-z A-Z < "$1"' sh {inputs.in}`},
	}
	a := pipeline.NewNode(emit, "A")
	b := pipeline.NewNode(upper, "B").Bind("in", a.Out("out"))

	reg := prometheus.NewRegistry()
	o := New(Config{WorkDir: t.TempDir()}, newTestLogger(), WithMetrics(NewMetrics(reg)))
	rec := &recorder{}
	e := startRun(t, o, request(t, false, a, b), rec)
	if err := waitRun(t, e); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	st := e.Status()
	if st.Status != model.RunStatusCompleted {
		t.Fatalf("run status = %s (%s)", st.Status, st.StatusDetail)
	}
	for id, ns := range st.NodeStatus {
		if ns.Status != model.RunStatusCompleted {
			t.Errorf("node %s status = %s", id, ns.Status)
		}
	}

	bID, _ := e.NodeID("B")
	chunk, err := e.ReadLog(bID, StdoutLog, 0)
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	if !strings.Contains(chunk.Data, "HELLO") {
		t.Errorf("B stdout = %q, want HELLO", chunk.Data)
	}
	entries, _ := os.ReadDir(e.Root())
	var nodeDir string
	for _, ent := range entries {
		if strings.HasPrefix(ent.Name(), "B_") {
			nodeDir = filepath.Join(e.Root(), ent.Name())
		}
	}
	code, err := os.ReadFile(filepath.Join(nodeDir, ExitCodeFile))
	if err != nil || strings.TrimSpace(string(code)) != "0" {
		t.Errorf("exit_code = %q, %v", code, err)
	}
	if _, err := os.Stat(filepath.Join(nodeDir, "inputs", "in")); err != nil {
		t.Errorf("materialized input missing: %v", err)
	}

	want := []model.NodeState{model.NodeStateQueued, model.NodeStateRunning, model.NodeStateCompleted}
	for _, name := range []string{"A", "B"} {
		if got := rec.states(name); !equalStates(got, want) {
			t.Errorf("%s transitions = %v, want %v", name, got, want)
		}
	}
	last := rec.events[len(rec.events)-1]
	if last.NodeID != "" || last.RunStatus != model.RunStatusCompleted {
		t.Errorf("last event = %+v, want run completion", last)
	}
	if got := testutil.ToFloat64(o.metrics.Transitions.WithLabelValues("Completed")); got != 2 {
		t.Errorf("completed transitions metric = %v, want 2", got)
	}
}

func equalStates(a, b []model.NodeState) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestContinueOnStepFailure(t *testing.T) {
	a := pipeline.NewNode(component("fails", "fail"), "A")
	b := pipeline.NewNode(component("after", "ok", "{outputs.out}"), "B").Bind("in", a.Out("out"))
	c := pipeline.NewNode(component("independent", "ok", "{outputs.out}"), "C")

	o := New(Config{WorkDir: t.TempDir(), MaxWorkers: 2}, newTestLogger(), WithRunner(scriptRunner()))
	rec := &recorder{}
	e := startRun(t, o, request(t, true, a, b, c), rec)
	err := waitRun(t, e)

	if got := nodeState(t, e, "A"); got != model.NodeStateFailed {
		t.Errorf("A = %s, want Failed", got)
	}
	if got := nodeState(t, e, "B"); got != model.NodeStateCanceled {
		t.Errorf("B = %s, want Canceled", got)
	}
	if got := nodeState(t, e, "C"); got != model.NodeStateCompleted {
		t.Errorf("C = %s, want Completed", got)
	}
	if st := e.Status(); st.Status != model.RunStatusFailed {
		t.Errorf("run = %s, want Failed", st.Status)
	}

	var me *model.Error
	if !errors.As(err, &me) || me.Code != model.CodeRunFailed {
		t.Fatalf("err = %v, want RunFailed", err)
	}
	if len(me.Details) != 1 || me.Details[0].Code != model.CodeNodeFailed || me.Details[0].ExitCode != 1 {
		t.Errorf("details = %+v", me.Details)
	}
	for _, s := range rec.states("B") {
		if s == model.NodeStateRunning || s == model.NodeStateQueued {
			t.Errorf("B reached %s", s)
		}
	}

	aID, _ := e.NodeID("A")
	chunk, _ := e.ReadLog(aID, StderrLog, 0)
	if !strings.Contains(chunk.Data, "boom") {
		t.Errorf("A stderr = %q", chunk.Data)
	}
}

func TestStopOnFirstFailure(t *testing.T) {
	a := pipeline.NewNode(component("fails", "fail"), "A")
	c := pipeline.NewNode(component("independent", "ok", "{outputs.out}"), "C")
	b := pipeline.NewNode(component("after", "ok", "{outputs.out}"), "B").Bind("in", a.Out("out"))
	d := pipeline.NewNode(component("later", "ok", "{outputs.out}"), "D").Bind("in", b.Out("out"))

	o := New(Config{WorkDir: t.TempDir(), MaxWorkers: 1}, newTestLogger(), WithRunner(scriptRunner()))
	rec := &recorder{}
	e := startRun(t, o, request(t, false, a, c, b, d), rec)
	if err := waitRun(t, e); !model.HasCode(err, model.CodeRunFailed) {
		t.Fatalf("err = %v, want RunFailed", err)
	}

	for _, name := range []string{"B", "D"} {
		if got := nodeState(t, e, name); got != model.NodeStateCanceled {
			t.Errorf("%s = %s, want Canceled", name, got)
		}
		for _, s := range rec.states(name) {
			if s == model.NodeStateRunning || s == model.NodeStateCompleted {
				t.Errorf("%s reached %s after A failed", name, s)
			}
		}
	}
	// C is independent; it may have been claimed before A's failure was seen.
	if got := nodeState(t, e, "C"); got != model.NodeStateCanceled && got != model.NodeStateCompleted {
		t.Errorf("C = %s, want Canceled or Completed", got)
	}
	if st := e.Status(); st.Status != model.RunStatusFailed {
		t.Errorf("run = %s, want Failed", st.Status)
	}
}

func TestCancelRun(t *testing.T) {
	a := pipeline.NewNode(component("blocks", "block"), "A")
	b := pipeline.NewNode(component("after", "ok", "{outputs.out}"), "B").Bind("in", a.Out("out"))

	running := make(chan struct{})
	var once sync.Once
	o := New(Config{WorkDir: t.TempDir()}, newTestLogger(), WithRunner(scriptRunner()))
	e, err := o.Start(context.Background(), request(t, false, a, b), StartOptions{
		Listeners: []Listener{func(ev Event) {
			if ev.To == model.NodeStateRunning {
				once.Do(func() { close(running) })
			}
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-running:
	case <-time.After(10 * time.Second):
		t.Fatal("node never started")
	}
	e.Cancel()
	if err := waitRun(t, e); err != nil {
		t.Errorf("Wait = %v, want nil for a canceled run", err)
	}

	st := e.Status()
	if st.Status != model.RunStatusCanceled {
		t.Errorf("run = %s, want Canceled", st.Status)
	}
	for _, name := range []string{"A", "B"} {
		if got := nodeState(t, e, name); got != model.NodeStateCanceled {
			t.Errorf("%s = %s, want Canceled", name, got)
		}
	}
}

func TestRunTimeout(t *testing.T) {
	a := pipeline.NewNode(component("blocks", "block"), "A")
	o := New(Config{WorkDir: t.TempDir(), Timeout: 50 * time.Millisecond}, newTestLogger(), WithRunner(scriptRunner()))
	e := startRun(t, o, request(t, false, a), nil)
	waitRun(t, e)

	st := e.Status()
	if st.Status != model.RunStatusCanceled || !strings.Contains(st.StatusDetail, "timed out") {
		t.Errorf("status = %s (%q)", st.Status, st.StatusDetail)
	}
}

func TestStartIsIdempotentPerRunID(t *testing.T) {
	a := pipeline.NewNode(component("one", "ok", "{outputs.out}"), "A")
	o := New(Config{WorkDir: t.TempDir()}, newTestLogger(), WithRunner(scriptRunner()))
	req := request(t, false, a)
	req.RunID = "fixed-run"

	e1 := startRun(t, o, req, nil)
	e2 := startRun(t, o, req, nil)
	if e1 != e2 {
		t.Error("second Start with the same run id started a new run")
	}
	waitRun(t, e1)
	if got, ok := o.Get("fixed-run"); !ok || got != e1 {
		t.Error("Get did not return the run")
	}
}

func TestStartRejectsBadGraphs(t *testing.T) {
	o := New(Config{WorkDir: t.TempDir()}, newTestLogger(), WithRunner(scriptRunner()))
	mod := model.ModuleDefinition{ID: "m:1", Command: model.Command{Args: []string{"ok"}}, Outputs: []string{"out"}}

	cyclic := &model.SubmitRequest{
		Graph: &model.GraphEntity{
			Nodes: []model.GraphModuleNode{{ID: "a", ModuleID: "m:1", Name: "A"}, {ID: "b", ModuleID: "m:1", Name: "B"}},
			Edges: []model.GraphEdge{
				{Source: model.PortRef{NodeID: "a", PortName: "out"}, Destination: model.PortRef{NodeID: "b", PortName: "in"}},
				{Source: model.PortRef{NodeID: "b", PortName: "out"}, Destination: model.PortRef{NodeID: "a", PortName: "in"}},
			},
		},
		ModuleDefinitions: map[string]model.ModuleDefinition{"m:1": mod},
	}
	if _, err := o.Start(context.Background(), cyclic, StartOptions{}); !model.HasKind(err, model.KindUser) {
		t.Errorf("cyclic graph: err = %v, want UserError", err)
	}

	missing := &model.SubmitRequest{
		Graph: &model.GraphEntity{Nodes: []model.GraphModuleNode{{ID: "a", ModuleID: "nope:1", Name: "A"}}},
	}
	if _, err := o.Start(context.Background(), missing, StartOptions{}); !model.HasKind(err, model.KindUser) {
		t.Errorf("missing module: err = %v, want UserError", err)
	}
	if _, err := o.Start(context.Background(), nil, StartOptions{}); err == nil {
		t.Error("nil request accepted")
	}
}

func TestDatasetInputIsStaged(t *testing.T) {
	src := filepath.Join(t.TempDir(), "in.txt")
	os.WriteFile(src, []byte("data"), 0o644)

	var seen string
	runner := funcRunner(func(ctx context.Context, cmd Cmd) (int, error) {
		data, err := os.ReadFile(cmd.Args[0])
		if err != nil {
			return -1, err
		}
		seen = string(data)
		return 0, nil
	})
	c := &pipeline.ComponentDefinition{
		Name:    "reader",
		Inputs:  []pipeline.InputDef{{Name: "in"}},
		Command: model.Command{Args: []string{"read", "{inputs.in}"}},
	}
	n := pipeline.NewNode(c, "R").Bind("in", pipeline.HostPath{Path: src})

	o := New(Config{WorkDir: t.TempDir()}, newTestLogger(), WithRunner(runner))
	e := startRun(t, o, request(t, false, n), nil)
	if err := waitRun(t, e); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if seen != "data" {
		t.Errorf("staged input = %q, want data", seen)
	}
}

func TestMissingUpstreamOutputFailsWithOrchestratorError(t *testing.T) {
	// A exits 0 without writing its output.
	a := pipeline.NewNode(component("silent", "ok"), "A")
	b := pipeline.NewNode(component("after", "ok", "{outputs.out}"), "B").Bind("in", a.Out("out"))

	o := New(Config{WorkDir: t.TempDir()}, newTestLogger(), WithRunner(scriptRunner()))
	e := startRun(t, o, request(t, false, a, b), nil)
	err := waitRun(t, e)

	var me *model.Error
	if !errors.As(err, &me) || len(me.Details) != 1 || me.Details[0].Code != model.CodeOrchestratorError {
		t.Fatalf("err = %v, want a run failure with OrchestratorError", err)
	}
	if got := nodeState(t, e, "B"); got != model.NodeStateFailed {
		t.Errorf("B = %s, want Failed", got)
	}
}

func TestOutputsAndLogFiles(t *testing.T) {
	a := pipeline.NewNode(component("one", "ok", "{outputs.out}"), "A")
	o := New(Config{WorkDir: t.TempDir()}, newTestLogger(), WithRunner(scriptRunner()))
	e := startRun(t, o, request(t, false, a), nil)
	waitRun(t, e)

	id, _ := e.NodeID("A")
	outs, err := e.Outputs(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(outs) != 1 || outs[0].Name != "out" || outs[0].Locator == "" {
		t.Errorf("outputs = %+v", outs)
	}
	files, err := e.LogFiles(id)
	if err != nil || len(files) != 2 {
		t.Errorf("log files = %+v, %v", files, err)
	}
	chunk, err := e.ReadLog(id, StdoutLog, 1)
	if err != nil || chunk.Data != "k\n" || chunk.NextOffset != 3 {
		t.Errorf("chunk = %+v, %v", chunk, err)
	}
	if _, err := e.ReadLog(id, "../secret", 0); err == nil {
		t.Error("ReadLog accepted a path outside the node directory")
	}
	if _, err := e.Outputs("nope"); err == nil {
		t.Error("Outputs accepted an unknown node")
	}
}

type memUploader struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memUploader) UploadLog(_ context.Context, _, nodeID, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[nodeID+"/"+name] += string(data)
	return nil
}

func TestLogsAreUploaded(t *testing.T) {
	a := pipeline.NewNode(component("one", "ok", "{outputs.out}"), "A")
	up := &memUploader{data: map[string]string{}}
	o := New(Config{WorkDir: t.TempDir()}, newTestLogger(), WithRunner(scriptRunner()), WithLogUploader(up))
	e := startRun(t, o, request(t, false, a), nil)
	waitRun(t, e)

	id, _ := e.NodeID("A")
	up.mu.Lock()
	defer up.mu.Unlock()
	if got := up.data[id+"/"+StdoutLog]; got != "ok\n" {
		t.Errorf("uploaded stdout = %q", got)
	}
}
