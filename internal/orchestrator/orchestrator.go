// Package orchestrator executes materialized pipeline graphs on the local
// machine with a bounded worker pool, running each node on the host, in a
// conda environment or in a Docker container.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/me/pipekit/internal/datastore"
	"github.com/me/pipekit/internal/naming"
	"github.com/me/pipekit/pkg/model"
)

// Config configures local execution.
type Config struct {
	// MaxWorkers bounds concurrently running nodes.
	// Default: min(runtime.NumCPU(), 8)
	MaxWorkers int

	// WorkDir is the root under which each run gets its own directory.
	// Default: $TMPDIR/pipekit-runs
	WorkDir string

	// GracePeriod is the time between SIGTERM (or docker stop) and kill.
	GracePeriod time.Duration

	// Timeout cancels a run that has not finished in time. Zero disables it.
	Timeout time.Duration

	// ForceArchiveCopy copies container volumes with tar streams even when
	// bind mounts would work.
	ForceArchiveCopy bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  min(runtime.NumCPU(), 8),
		WorkDir:     filepath.Join(os.TempDir(), "pipekit-runs"),
		GracePeriod: DefaultGracePeriod,
	}
}

// Fetcher downloads dataset locators onto the local filesystem.
type Fetcher interface {
	Fetch(ctx context.Context, locator, dst string) (int64, error)
}

// Orchestrator starts and tracks local runs.
type Orchestrator struct {
	cfg      Config
	logger   *slog.Logger
	runner   Runner
	metrics  *Metrics
	fetcher  Fetcher
	uploader LogUploader
	probe    hostProbe
	goos     string

	mu   sync.Mutex
	runs map[string]*Execution
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option { return func(o *Orchestrator) { o.runner = r } }

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithFetcher sets how dataset inputs are downloaded.
func WithFetcher(f Fetcher) Option { return func(o *Orchestrator) { o.fetcher = f } }

// WithLogUploader streams node logs to a run-history service.
func WithLogUploader(u LogUploader) Option { return func(o *Orchestrator) { o.uploader = u } }

// New creates an Orchestrator.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = def.WorkDir
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "orchestrator")
	o := &Orchestrator{
		cfg:    cfg,
		logger: logger,
		runner: osRunner{},
		probe:  defaultProbe(),
		goos:   runtime.GOOS,
		runs:   map[string]*Execution{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	if o.fetcher == nil {
		o.fetcher = datastore.NewResolver(datastore.Config{}, logger)
	}
	return o
}

// StartOptions are per-run settings.
type StartOptions struct {
	// RunID is generated when empty and req.RunID is empty too.
	RunID string
	// Listeners observe node and run transitions in order.
	Listeners []Listener
	// Echo receives every node's log lines as they are written.
	Echo io.Writer
}

// Get returns a run started by this orchestrator.
func (o *Orchestrator) Get(runID string) (*Execution, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.runs[runID]
	return e, ok
}

// Start prepares a run of req and begins executing it in the background.
// The run is detached from ctx; stop it with Cancel. Starting a run id that
// is already known returns the existing run.
func (o *Orchestrator) Start(ctx context.Context, req *model.SubmitRequest, opts StartOptions) (*Execution, error) {
	if req == nil || req.Graph == nil {
		return nil, model.NewUserError("a graph is required to start a run")
	}
	runID := opts.RunID
	if runID == "" {
		runID = req.RunID
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	o.mu.Lock()
	if e, ok := o.runs[runID]; ok {
		o.mu.Unlock()
		return e, nil
	}
	o.mu.Unlock()

	root, err := naming.EnsureDir(filepath.Join(o.cfg.WorkDir, naming.FileName(runID)))
	if err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}

	e := &Execution{
		id:         runID,
		experiment: req.ExperimentName,
		root:       root,
		req:        req,
		goos:       o.goos,
		cfg:        o.cfg,
		runner:     o.runner,
		fetcher:    o.fetcher,
		uploader:   o.uploader,
		metrics:    o.metrics,
		listeners:  opts.Listeners,
		continueOn: req.ContinueRunOnStepFailure,
		status:     model.RunStatusNotStarted,
		nodes:      map[string]*nodeRun{},
		done:       make(chan struct{}),
		logger:     o.logger.With("run_id", runID),
	}
	if opts.Echo != nil {
		e.echo = &lockedWriter{w: opts.Echo}
	}
	if err := e.buildNodes(); err != nil {
		return nil, err
	}

	if e.usesDocker() {
		archive := o.cfg.ForceArchiveCopy
		reason := "configured"
		if !archive {
			archive, reason = o.probe.needsArchiveCopy(ctx, o.runner)
		}
		if archive {
			e.logger.Info("container volumes use archive copy", "reason", reason)
		}
		e.docker = newDockerRuntime(o.runner, o.logger, o.cfg.GracePeriod, archive)
	}

	o.mu.Lock()
	if existing, ok := o.runs[runID]; ok {
		o.mu.Unlock()
		return existing, nil
	}
	o.runs[runID] = e
	o.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	var cancelTimeout context.CancelFunc = func() {}
	if o.cfg.Timeout > 0 {
		runCtx, cancelTimeout = context.WithTimeout(runCtx, o.cfg.Timeout)
	}
	runCtx, cancel := context.WithCancel(runCtx)
	e.cancel = func() {
		cancel()
		cancelTimeout()
	}

	e.mu.Lock()
	e.status = model.RunStatusRunning
	e.start = time.Now()
	e.mu.Unlock()

	e.logger.Info("run started", "experiment", req.ExperimentName, "nodes", len(e.order), "root", root)
	go e.schedule(runCtx)
	return e, nil
}

// buildNodes turns the graph into node runs with dependency links.
func (e *Execution) buildNodes() error {
	g := e.req.Graph
	datasets := make(map[string]model.GraphDatasetNode, len(g.DatasetNodes))
	for _, ds := range g.DatasetNodes {
		datasets[ds.ID] = ds
	}

	for i, gn := range g.Nodes {
		if _, dup := e.nodes[gn.ID]; dup {
			return model.NewUserError("graph node id %q is not unique", gn.ID)
		}
		mod, ok := e.req.ModuleDefinitions[gn.ModuleID]
		if !ok {
			return model.NewUserError("graph node %q references module %q which has no definition", gn.Name, gn.ModuleID)
		}
		mode := mod.Mode
		if mode == "" {
			mode = model.ExecutionModeHost
		}
		n := &nodeRun{
			index:  i,
			id:     gn.ID,
			name:   gn.Name,
			graph:  gn,
			module: mod,
			mode:   mode,
			dir:    filepath.Join(e.root, naming.NodeDirName(gn.Name, gn.ID)),
			state:  model.NodeStatePending,
		}
		e.nodes[gn.ID] = n
		e.order = append(e.order, n)
	}

	for _, edge := range g.Edges {
		dst, ok := e.nodes[edge.Destination.NodeID]
		if !ok {
			return model.NewUserError("edge targets unknown node %q", edge.Destination.NodeID)
		}
		b := inputBinding{port: edge.Destination.PortName, output: edge.Source.PortName}
		if src, ok := e.nodes[edge.Source.NodeID]; ok {
			b.producer = src
			if !containsNode(dst.deps, src) {
				dst.deps = append(dst.deps, src)
				src.dependents = append(src.dependents, dst)
			}
		} else if ds, ok := datasets[edge.Source.NodeID]; ok {
			b.dataset = &ds
		} else {
			return model.NewUserError("edge source %q is neither a module nor a dataset node", edge.Source.NodeID)
		}
		dst.inputs = append(dst.inputs, b)
	}
	for _, n := range e.order {
		n.waiting = len(n.deps)
		sort.Slice(n.dependents, func(i, j int) bool { return n.dependents[i].index < n.dependents[j].index })
	}
	if cyclic := e.cyclicNodes(); len(cyclic) > 0 {
		return model.NewUserError("graph contains a dependency cycle through %v", cyclic)
	}
	return nil
}

// cyclicNodes returns the names of nodes that can never become ready.
func (e *Execution) cyclicNodes() []string {
	waiting := make(map[*nodeRun]int, len(e.order))
	var queue []*nodeRun
	for _, n := range e.order {
		waiting[n] = len(n.deps)
		if len(n.deps) == 0 {
			queue = append(queue, n)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, d := range n.dependents {
			waiting[d]--
			if waiting[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	var stuck []string
	for _, n := range e.order {
		if waiting[n] > 0 {
			stuck = append(stuck, n.name)
		}
	}
	return stuck
}

func (e *Execution) usesDocker() bool {
	for _, n := range e.order {
		if n.mode == model.ExecutionModeDocker {
			return true
		}
	}
	return false
}

func containsNode(nodes []*nodeRun, n *nodeRun) bool {
	for _, x := range nodes {
		if x == n {
			return true
		}
	}
	return false
}
