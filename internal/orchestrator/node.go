package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/me/pipekit/internal/datastore"
	"github.com/me/pipekit/pkg/model"
)

// execute prepares and runs one node. Logs are flushed and the exit code
// file is written before it returns, so they are complete by the time the
// terminal state is published.
func (e *Execution) execute(ctx context.Context, n *nodeRun) (code int, err error) {
	for _, dir := range []string{n.inputsDir(), n.outputsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return -1, model.OrchestratorError(n.name, err)
		}
	}

	stdout, err := newLogSink(filepath.Join(n.dir, StdoutLog), e.echo, e.uploadFunc(ctx, n, StdoutLog))
	if err != nil {
		return -1, model.OrchestratorError(n.name, err)
	}
	stderr, err := newLogSink(filepath.Join(n.dir, StderrLog), e.echo, e.uploadFunc(ctx, n, StderrLog))
	if err != nil {
		stdout.Close()
		return -1, model.OrchestratorError(n.name, err)
	}
	defer func() {
		if err != nil && ctx.Err() == nil {
			fmt.Fprintf(stderr, "pipekit: %v\n", err)
		}
		if cerr := stdout.Close(); cerr != nil {
			e.logger.Warn("flush stdout log", "node", n.name, "error", cerr)
		}
		if cerr := stderr.Close(); cerr != nil {
			e.logger.Warn("flush stderr log", "node", n.name, "error", cerr)
		}
		if werr := os.WriteFile(filepath.Join(n.dir, ExitCodeFile), []byte(strconv.Itoa(code)+"\n"), 0o644); werr != nil {
			e.logger.Warn("write exit code", "node", n.name, "error", werr)
		}
	}()

	if err := e.stageInputs(ctx, n); err != nil {
		return -1, err
	}

	switch n.mode {
	case model.ExecutionModeHost, model.ExecutionModeConda:
		return e.runHost(ctx, n, stdout, stderr)
	case model.ExecutionModeDocker:
		return e.runDocker(ctx, n, stdout, stderr)
	}
	return -1, model.NewUserError("component %q has unknown execution mode %q", n.module.ID, n.mode)
}

func (e *Execution) runHost(ctx context.Context, n *nodeRun, stdout, stderr *logSink) (int, error) {
	vars := e.commandVars(n, n.inputsDir(), n.outputsDir(), string(filepath.Separator))
	args, err := argv(n.module.Command, vars)
	if err != nil {
		return -1, model.OrchestratorError(n.name, err)
	}
	env := n.module.Environment.CondaEnv
	if n.mode == model.ExecutionModeConda && env == "" {
		return -1, model.NewUserError("component %q runs in conda mode but names no conda environment", n.module.ID)
	}
	if env != "" {
		args = condaWrap(args, env, e.goos)
	}
	e.logger.Debug("running node on host", "node", n.name, "command", args)
	return e.runner.Run(ctx, Cmd{
		Name:        args[0],
		Args:        args[1:],
		Dir:         n.dir,
		Stdout:      stdout,
		Stderr:      stderr,
		GracePeriod: e.cfg.GracePeriod,
	})
}

func (e *Execution) runDocker(ctx context.Context, n *nodeRun, stdout, stderr *logSink) (int, error) {
	envDef := n.module.Environment
	if envDef.Image == "" {
		return -1, model.NewUserError("component %q runs in docker mode but names no image", n.module.ID)
	}
	goos, err := e.docker.checkOS(ctx, envDef.OS)
	if err != nil {
		return -1, err
	}
	root := containerRoot(goos)
	vars := e.commandVars(n, root+"/inputs", root+"/outputs", "/")
	args, err := argv(n.module.Command, vars)
	if err != nil {
		return -1, model.OrchestratorError(n.name, err)
	}

	mounts := []mount{
		{host: n.inputsDir(), container: root + "/inputs"},
		{host: n.outputsDir(), container: root + "/outputs", writable: true},
	}
	for _, v := range envDef.Volumes {
		host, err := filepath.Abs(v.HostPath)
		if err != nil {
			return -1, model.OrchestratorError(n.name, err)
		}
		mounts = append(mounts, mount{host: host, container: v.ContainerPath, writable: v.Writable})
	}

	e.logger.Debug("running node in container", "node", n.name, "image", envDef.Image, "command", args, "archive", e.docker.archive)
	return e.docker.run(ctx, goos, dockerJob{
		name:    containerName(e.id, n.id),
		image:   envDef.Image,
		workDir: root,
		args:    args,
		mounts:  mounts,
		stdout:  stdout,
		stderr:  stderr,
	})
}

// commandVars maps ports to paths under the given input and output roots.
func (e *Execution) commandVars(n *nodeRun, inputs, outputs, sep string) commandVars {
	join := func(dir, port string) string { return strings.TrimSuffix(dir, sep) + sep + port }
	v := commandVars{
		inputs:  map[string]string{},
		outputs: map[string]string{},
		params:  n.graph.Parameters,
	}
	for _, b := range n.inputs {
		v.inputs[b.port] = join(inputs, b.port)
	}
	for _, port := range n.module.Outputs {
		v.outputs[port] = join(outputs, port)
	}
	return v
}

// stageInputs copies upstream outputs and datasets into inputs/<port>.
func (e *Execution) stageInputs(ctx context.Context, n *nodeRun) error {
	for _, b := range n.inputs {
		dst := filepath.Join(n.inputsDir(), b.port)
		if err := os.RemoveAll(dst); err != nil {
			return model.OrchestratorError(n.name, err)
		}
		if b.producer != nil {
			src := filepath.Join(b.producer.outputsDir(), b.output)
			if _, err := (&datastore.Local{}).Download(ctx, src, dst); err != nil {
				if errors.Is(err, datastore.ErrNotFound) {
					return model.OrchestratorError(n.name, fmt.Errorf("upstream node %q did not produce output %q", b.producer.name, b.output))
				}
				return model.OrchestratorError(n.name, err)
			}
			continue
		}

		ds := b.dataset
		switch ds.Kind {
		case model.DatasetKindLocalPath, model.DatasetKindURIFile, model.DatasetKindURIFolder:
			if _, err := e.fetcher.Fetch(ctx, ds.Locator, dst); err != nil {
				var me *model.Error
				if errors.As(err, &me) {
					return err
				}
				return model.OrchestratorError(n.name, fmt.Errorf("stage input %q: %w", b.port, err))
			}
		default:
			return model.UnsupportedInputKind(ds.Kind)
		}
	}
	return nil
}

func (e *Execution) uploadFunc(ctx context.Context, n *nodeRun, name string) func([]byte) {
	if e.uploader == nil {
		return nil
	}
	return func(data []byte) {
		if err := e.uploader.UploadLog(ctx, e.id, n.id, name, data); err != nil {
			e.logger.Warn("upload log", "node", n.name, "file", name, "error", err)
		}
	}
}

// containerName builds a docker-safe container name.
func containerName(runID, nodeID string) string {
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
				return r
			}
			return '-'
		}, s)
	}
	return "pipekit-" + clean(runID) + "-" + clean(nodeID)
}
