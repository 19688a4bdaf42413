package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/me/pipekit/internal/config"
	"github.com/me/pipekit/internal/orchestrator"
	"github.com/me/pipekit/internal/server"
	"github.com/me/pipekit/internal/store"
	"github.com/me/pipekit/pkg/model"
)

const pipelineDoc = `
experiment: cli-test
components:
  - name: emit
    outputs: [{name: out}]
    parameters: [{name: lr, default: "0.1"}]
    command: {args: [emit, "{outputs.out}", "{parameters.lr}"]}
pipelines:
  - name: main
    parameters: [{name: lr, default: "0.5"}]
    nodes:
      - name: producer
        component: emit
        params: {lr: "{lr}"}
    outputs: {result: producer.out}
`

const blockingDoc = `
experiment: cli-test
components:
  - name: block
    command: {args: [block]}
pipelines:
  - name: slow
    nodes: [{name: waiter, component: block}]
`

type runnerFunc func(context.Context, orchestrator.Cmd) (int, error)

func (f runnerFunc) Run(ctx context.Context, cmd orchestrator.Cmd) (int, error) { return f(ctx, cmd) }

// fakeRunner understands two commands: emit writes "payload" to its first
// argument and block waits for cancellation.
func fakeRunner() orchestrator.Runner {
	return runnerFunc(func(ctx context.Context, cmd orchestrator.Cmd) (int, error) {
		switch cmd.Name {
		case "emit":
			io.WriteString(cmd.Stdout, "writing\n")
			if err := os.WriteFile(cmd.Args[0], []byte("payload"), 0o644); err != nil {
				return -1, err
			}
			return 0, nil
		case "block":
			<-ctx.Done()
			return -1, ctx.Err()
		}
		return 127, nil
	})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testEnv struct {
	url    string
	config string
	dir    string
	orch   *orchestrator.Orchestrator
}

// startTestServer starts a server with an in-memory SQLite store and a
// fake process runner, and writes a client config that polls quickly.
func startTestServer(t *testing.T) *testEnv {
	t.Helper()
	logger := quietLogger()
	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	dir := t.TempDir()
	cfg := config.DefaultServerConfig()
	cfg.Local.WorkDir = filepath.Join(dir, "runs")
	orch := orchestrator.New(cfg.Local.Orchestrator(), logger,
		orchestrator.WithRunner(fakeRunner()),
		orchestrator.WithLogUploader(st),
	)
	srv := server.New(cfg, st, orch, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, "poll_interval: 10ms\n")
	return &testEnv{url: ts.URL, config: cfgPath, dir: dir, orch: orch}
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) pipelineFile(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(e.dir, fmt.Sprintf("pipeline-%d.yaml", time.Now().UnixNano()))
	writeFile(t, path, doc)
	return path
}

// cli runs the CLI against the test server.
func (e *testEnv) cli(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runCLI(t, append([]string{"--server", e.url, "--config", e.config}, args...)...)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)

	err := root.Execute()
	return buf.String(), err
}

var runIDPattern = regexp.MustCompile(`Run submitted: (\S+)`)

func submittedRunID(t *testing.T, output string) string {
	t.Helper()
	m := runIDPattern.FindStringSubmatch(output)
	if m == nil {
		t.Fatalf("no run id in output: %s", output)
	}
	return m[1]
}

func (e *testEnv) waitRun(t *testing.T, runID string) {
	t.Helper()
	execution, ok := e.orch.Get(runID)
	if !ok {
		t.Fatalf("run %s is not executing", runID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := execution.Wait(ctx); err != nil && ctx.Err() != nil {
		t.Fatalf("run %s did not finish: %v", runID, err)
	}
}

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"lr=0.1", "name = a=b", "empty="})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"lr": "0.1", "name": " a=b", "empty": ""}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseParams([]string{bad}); !model.HasKind(err, model.KindUser) {
			t.Errorf("parseParams(%q) error = %v", bad, err)
		}
	}
}

func TestValidateCommand(t *testing.T) {
	env := startTestServer(t)
	out, err := env.cli(t, "validate", env.pipelineFile(t, pipelineDoc))
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Pipeline main: 1 steps") || !strings.Contains(out, "Validation passed.") {
		t.Errorf("output = %s", out)
	}
}

func TestValidatePrintJSON(t *testing.T) {
	env := startTestServer(t)
	out, err := env.cli(t, "validate", env.pipelineFile(t, pipelineDoc), "--print", "json", "-p", "lr=0.9")
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
	var req model.SubmitRequest
	if err := json.Unmarshal([]byte(out), &req); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if req.ExperimentName != "cli-test" || len(req.Graph.Nodes) != 1 {
		t.Errorf("request = %+v", req)
	}
	if req.Graph.Nodes[0].Parameters["lr"] != "0.9" {
		t.Errorf("lr = %q, want 0.9", req.Graph.Nodes[0].Parameters["lr"])
	}
}

func TestValidateReportsProblems(t *testing.T) {
	env := startTestServer(t)
	doc := `
components:
  - name: train
    parameters: [{name: epochs}]
    command: {args: [train, "{parameters.epochs}"]}
pipelines:
  - name: p
    nodes: [{name: t, component: train}]
`
	out, err := env.cli(t, "validate", env.pipelineFile(t, doc))
	if err == nil {
		t.Fatalf("expected validation failure\n%s", out)
	}
	if !strings.Contains(out, "1 problem(s)") || !strings.Contains(out, string(model.CodeMissingParameter)) {
		t.Errorf("output = %s", out)
	}
}

func TestValidateUnknownParameter(t *testing.T) {
	env := startTestServer(t)
	out, err := env.cli(t, "validate", env.pipelineFile(t, pipelineDoc), "-p", "nope=1")
	if err == nil || !strings.Contains(err.Error(), `no parameter or input "nope"`) {
		t.Errorf("err = %v\n%s", err, out)
	}
}

func TestSubmitWaitAndInspect(t *testing.T) {
	env := startTestServer(t)
	out, err := env.cli(t, "submit", env.pipelineFile(t, pipelineDoc), "--wait")
	if err != nil {
		t.Fatalf("submit: %v\n%s", err, out)
	}
	runID := submittedRunID(t, out)
	if !strings.HasPrefix(runID, "run_") {
		t.Errorf("run id = %s", runID)
	}
	if !strings.Contains(out, "[producer] writing") || !strings.Contains(out, "finished: Completed") {
		t.Errorf("wait output = %s", out)
	}

	out, err = env.cli(t, "status", runID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "Status:     Completed") || !strings.Contains(out, "- producer: Completed") {
		t.Errorf("status output = %s", out)
	}

	out, err = env.cli(t, "status", runID, "-o", "json")
	if err != nil {
		t.Fatalf("status json: %v", err)
	}
	var st model.RunStatusEntity
	if err := json.Unmarshal([]byte(out), &st); err != nil || st.RunID != runID {
		t.Errorf("status json = %s (%v)", out, err)
	}

	out, err = env.cli(t, "outputs", runID)
	if err != nil {
		t.Fatalf("outputs: %v", err)
	}
	if !strings.Contains(out, "producer") || !strings.Contains(out, "out") || strings.Contains(out, "not produced") {
		t.Errorf("outputs = %s", out)
	}

	out, err = env.cli(t, "logs", runID, "producer")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if out != "writing\n" {
		t.Errorf("logs = %q", out)
	}

	dest := filepath.Join(env.dir, "dl")
	out, err = env.cli(t, "download", runID, "producer", "out", "--dest", dest, "-q")
	if err != nil {
		t.Fatalf("download: %v\n%s", err, out)
	}
	data, err := os.ReadFile(filepath.Join(dest, "out"))
	if err != nil || string(data) != "payload" {
		t.Errorf("downloaded = %q, %v", data, err)
	}
	if _, err := env.cli(t, "download", runID, "producer", "out", "--dest", dest, "-q"); err == nil {
		t.Error("second download without --overwrite should fail")
	}

	out, err = env.cli(t, "list", "--state", "completed")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, runID) || !strings.Contains(out, "STATUS") {
		t.Errorf("list = %s", out)
	}
}

func TestSubmitIdempotent(t *testing.T) {
	env := startTestServer(t)
	path := env.pipelineFile(t, pipelineDoc)
	out, err := env.cli(t, "submit", path, "--idempotent")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	first := submittedRunID(t, out)
	env.waitRun(t, first)

	out, err = env.cli(t, "submit", path, "--idempotent")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second := submittedRunID(t, out); second != first {
		t.Errorf("resubmission started %s, want %s", second, first)
	}
}

func TestDraftPublishAndEndpointSubmit(t *testing.T) {
	env := startTestServer(t)
	path := env.pipelineFile(t, pipelineDoc)

	out, err := env.cli(t, "submit", path, "--draft", "nightly")
	if err != nil || !strings.Contains(out, "Draft saved: draft_") {
		t.Fatalf("draft: %v\n%s", err, out)
	}

	out, err = env.cli(t, "publish", path, "--endpoint", "ep")
	if err != nil {
		t.Fatalf("publish: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Published pipeline: pl_") || !strings.Contains(out, "Endpoint: ep") {
		t.Errorf("publish output = %s", out)
	}
	if _, err := env.cli(t, "publish", path, "--endpoint", "ep"); err == nil {
		t.Error("publishing to an existing endpoint without --use-existing-endpoint should fail")
	}
	if out, err := env.cli(t, "publish", path, "--endpoint", "ep", "--use-existing-endpoint"); err != nil {
		t.Errorf("publish new version: %v\n%s", err, out)
	}

	out, err = env.cli(t, "submit", "--endpoint", "ep", "--experiment", "from-ep", "-p", "lr=0.7", "--wait")
	if err != nil {
		t.Fatalf("endpoint submit: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Experiment: from-ep") || !strings.Contains(out, "finished: Completed") {
		t.Errorf("endpoint submit output = %s", out)
	}

	if _, err := env.cli(t, "submit", "--endpoint", "ep"); err == nil {
		t.Error("endpoint submit without --experiment should fail")
	}
}

func TestCancelCommand(t *testing.T) {
	env := startTestServer(t)
	out, err := env.cli(t, "submit", env.pipelineFile(t, blockingDoc))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	runID := submittedRunID(t, out)

	out, err = env.cli(t, "cancel", runID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !strings.Contains(out, "Cancel requested for run "+runID) {
		t.Errorf("cancel output = %s", out)
	}
	env.waitRun(t, runID)

	if _, err := env.cli(t, "wait", runID, "-q"); err != nil {
		t.Errorf("waiting on a canceled run: %v", err)
	}
	out, _ = env.cli(t, "status", runID)
	if !strings.Contains(out, "Canceled") {
		t.Errorf("status after cancel = %s", out)
	}
}

func TestWaitTimeoutLeavesRunRunning(t *testing.T) {
	env := startTestServer(t)
	out, err := env.cli(t, "submit", env.pipelineFile(t, blockingDoc))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	runID := submittedRunID(t, out)
	t.Cleanup(func() {
		if execution, ok := env.orch.Get(runID); ok {
			execution.Cancel()
			env.waitRun(t, runID)
		}
	})

	_, err = env.cli(t, "wait", runID, "-q", "--timeout", "50ms")
	if !model.HasKind(err, model.KindCancellation) {
		t.Fatalf("wait error = %v, want a cancellation", err)
	}
	if !strings.Contains(err.Error(), "pipekit cancel "+runID) {
		t.Errorf("error should say how to cancel: %v", err)
	}
	execution, _ := env.orch.Get(runID)
	select {
	case <-execution.Done():
		t.Error("run ended when the wait timed out")
	default:
	}
}

func TestUnknownRun(t *testing.T) {
	env := startTestServer(t)
	_, err := env.cli(t, "status", "missing")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v", err)
	}
}

func TestRunLocal(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	doc := `
components:
  - name: hello
    outputs: [{name: greeting}]
    parameters: [{name: who, default: world}]
    command: {args: [sh, -c, 'echo "hello $1"; printf "hello $1" > "$0"', "{outputs.greeting}", "{parameters.who}"]}
pipelines:
  - name: local
    parameters: [{name: who, default: nobody}]
    nodes: [{name: greet, component: hello, params: {who: "{who}"}}]
`
	path := filepath.Join(dir, "pipeline.yaml")
	writeFile(t, path, doc)
	outDir := filepath.Join(dir, "out")

	out, err := runCLI(t, "--config", filepath.Join(dir, "missing.yaml"), "run", path,
		"--workdir", filepath.Join(dir, "runs"), "-p", "who=pipekit", "--outdir", outDir)
	if err == nil {
		t.Fatal("an explicit config file that does not exist should fail")
	}

	out, err = runCLI(t, "run", path, "--workdir", filepath.Join(dir, "runs"), "-p", "who=pipekit", "--outdir", outDir)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "[greet] hello pipekit") || !strings.Contains(out, "finished: Completed") {
		t.Errorf("run output = %s", out)
	}
	data, err := os.ReadFile(filepath.Join(outDir, "greet", "greeting"))
	if err != nil || string(data) != "hello pipekit" {
		t.Errorf("downloaded output = %q, %v", data, err)
	}
}

func TestRunLocalFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	doc := `
components:
  - name: fail
    command: {args: [sh, -c, "echo boom >&2; exit 4"]}
pipelines:
  - name: broken
    nodes: [{name: f, component: fail}]
`
	path := filepath.Join(dir, "pipeline.yaml")
	writeFile(t, path, doc)

	out, err := runCLI(t, "run", path, "--workdir", filepath.Join(dir, "runs"), "-q")
	if !model.HasCode(err, model.CodeRunFailed) {
		t.Fatalf("err = %v, want RunFailed\n%s", err, out)
	}
	var me *model.Error
	if !errors.As(err, &me) || len(me.Details) != 1 || me.Details[0].ExitCode != 4 {
		t.Errorf("failure details = %+v", me)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "pipekit ") {
		t.Errorf("version output = %q", out)
	}
}
