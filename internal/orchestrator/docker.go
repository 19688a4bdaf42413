package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/me/pipekit/pkg/model"
)

// mount maps a host path into a container.
type mount struct {
	host      string
	container string
	writable  bool
}

// dockerRuntime runs nodes in containers through the docker CLI.
type dockerRuntime struct {
	runner Runner
	logger *slog.Logger
	grace  time.Duration

	// archive selects tar copies instead of bind mounts.
	archive bool

	mu       sync.Mutex
	daemonOS string
}

func newDockerRuntime(runner Runner, logger *slog.Logger, grace time.Duration, archive bool) *dockerRuntime {
	return &dockerRuntime{
		runner:  runner,
		logger:  logger.With("component", "docker"),
		grace:   grace,
		archive: archive,
	}
}

// serverOS returns the daemon's container OS ("linux" or "windows").
func (d *dockerRuntime) serverOS(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.daemonOS != "" {
		return d.daemonOS, nil
	}
	stdout, stderr, code, err := output(ctx, d.runner, "docker", "version", "--format", "{{.Server.Os}}")
	if err != nil {
		return "", model.DockerUnavailable(err)
	}
	if code != 0 {
		return "", model.DockerUnavailable(fmt.Errorf("docker version exited %d: %s", code, strings.TrimSpace(stderr)))
	}
	d.daemonOS = strings.ToLower(strings.TrimSpace(stdout))
	return d.daemonOS, nil
}

// checkOS fails when the component's OS differs from the daemon's.
func (d *dockerRuntime) checkOS(ctx context.Context, componentOS string) (string, error) {
	daemon, err := d.serverOS(ctx)
	if err != nil {
		return "", err
	}
	want := strings.ToLower(componentOS)
	if want == "" {
		want = "linux"
	}
	if want != daemon {
		return "", model.OsMismatch(componentOS, daemon)
	}
	return daemon, nil
}

// containerRoot is where a node's inputs and outputs live in the container.
func containerRoot(goos string) string {
	if goos == "windows" {
		return "C:/pipekit/run"
	}
	return "/pipekit/run"
}

// archiveName is a container path relative to the filesystem root.
func archiveName(p string) string {
	if len(p) >= 2 && p[1] == ':' {
		p = p[2:]
	}
	return strings.TrimLeft(strings.ReplaceAll(p, `\`, "/"), "/")
}

func archiveRoot(goos string) string {
	if goos == "windows" {
		return "C:/"
	}
	return "/"
}

// dockerJob is one container execution.
type dockerJob struct {
	name    string
	image   string
	workDir string
	args    []string
	mounts  []mount
	stdout  io.Writer
	stderr  io.Writer
}

// run executes job and returns the command's exit code. The container is
// always stopped and removed.
func (d *dockerRuntime) run(ctx context.Context, goos string, job dockerJob) (int, error) {
	windows := goos == "windows"

	create := []string{"create", "--name", job.name, "-w", job.workDir}
	if !d.archive {
		for _, m := range job.mounts {
			spec := m.host + ":" + m.container
			if !m.writable {
				spec += ":ro"
			}
			create = append(create, "-v", spec)
		}
	}
	if windows {
		create = append(create, "--entrypoint", "cmd", job.image, "/c", "ping -t localhost > NUL")
	} else {
		create = append(create, "--entrypoint", "tail", job.image, "-f", "/dev/null")
	}
	if err := d.docker(ctx, create...); err != nil {
		return -1, err
	}
	defer d.cleanup(ctx, job.name)

	if d.archive && windows {
		if err := d.copyIn(ctx, goos, job); err != nil {
			return -1, err
		}
	}
	if err := d.docker(ctx, "start", job.name); err != nil {
		return -1, err
	}
	if d.archive && !windows {
		if err := d.copyIn(ctx, goos, job); err != nil {
			return -1, err
		}
	}

	exec := append([]string{"exec", "-w", job.workDir, job.name}, job.args...)
	code, err := d.runner.Run(ctx, Cmd{
		Name:        "docker",
		Args:        exec,
		Stdout:      job.stdout,
		Stderr:      job.stderr,
		GracePeriod: d.grace,
	})
	if err != nil {
		return code, err
	}

	if d.archive && code == 0 {
		if windows {
			if err := d.stop(ctx, job.name); err != nil {
				return code, err
			}
		}
		if err := d.copyOut(ctx, job); err != nil {
			return code, err
		}
	}
	return code, nil
}

func (d *dockerRuntime) docker(ctx context.Context, args ...string) error {
	_, stderr, code, err := output(ctx, d.runner, "docker", args...)
	if err != nil {
		return fmt.Errorf("docker %s: %w", args[0], err)
	}
	if code != 0 {
		return fmt.Errorf("docker %s exited %d: %s", args[0], code, strings.TrimSpace(stderr))
	}
	return nil
}

func (d *dockerRuntime) stop(ctx context.Context, name string) error {
	secs := int(d.grace.Seconds())
	if secs < 1 {
		secs = 1
	}
	return d.docker(ctx, "stop", "-t", strconv.Itoa(secs), name)
}

// cleanup stops and removes the container even when ctx has ended. docker
// stop sends SIGTERM and kills after the grace period.
func (d *dockerRuntime) cleanup(ctx context.Context, name string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.grace+30*time.Second)
	defer cancel()
	if err := d.stop(cctx, name); err != nil {
		d.logger.Warn("stop container", "container", name, "error", err)
	}
	if err := d.docker(cctx, "rm", "-f", name); err != nil {
		d.logger.Warn("remove container", "container", name, "error", err)
	}
}

// copyIn streams every mount into the container with docker cp.
func (d *dockerRuntime) copyIn(ctx context.Context, goos string, job dockerJob) error {
	for _, m := range job.mounts {
		pr, pw := io.Pipe()
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			err := writeTar(pw, m.host, archiveName(m.container))
			pw.CloseWithError(err)
			return err
		})
		g.Go(func() error {
			var stderr strings.Builder
			code, err := d.runner.Run(gctx, Cmd{
				Name:   "docker",
				Args:   []string{"cp", "-", job.name + ":" + archiveRoot(goos)},
				Stdin:  pr,
				Stderr: &stderr,
			})
			pr.CloseWithError(io.ErrClosedPipe)
			if err != nil {
				return err
			}
			if code != 0 {
				return fmt.Errorf("docker cp exited %d: %s", code, strings.TrimSpace(stderr.String()))
			}
			return nil
		})
		if err := g.Wait(); err != nil {
			return fmt.Errorf("copy %s into container: %w", m.host, err)
		}
		d.logger.Debug("copied into container", "container", job.name, "host", m.host, "path", m.container)
	}
	return nil
}

// copyOut streams writable mounts back to the host.
func (d *dockerRuntime) copyOut(ctx context.Context, job dockerJob) error {
	for _, m := range job.mounts {
		if !m.writable {
			continue
		}
		pr, pw := io.Pipe()
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var stderr strings.Builder
			code, err := d.runner.Run(gctx, Cmd{
				Name:   "docker",
				Args:   []string{"cp", job.name + ":" + m.container, "-"},
				Stdout: pw,
				Stderr: &stderr,
			})
			if err == nil && code != 0 {
				err = fmt.Errorf("docker cp exited %d: %s", code, strings.TrimSpace(stderr.String()))
			}
			pw.CloseWithError(err)
			return err
		})
		g.Go(func() error {
			err := extractTar(pr, m.host, 1)
			if err != nil {
				pr.CloseWithError(err)
				return err
			}
			_, err = io.Copy(io.Discard, pr)
			return err
		})
		if err := g.Wait(); err != nil {
			return fmt.Errorf("copy %s out of container: %w", m.container, err)
		}
		d.logger.Debug("copied out of container", "container", job.name, "path", m.container, "host", m.host)
	}
	return nil
}
