package orchestrator

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// ForceArchiveCopyEnv forces the archive copy path for container volumes.
const ForceArchiveCopyEnv = "PIPEKIT_FORCE_ARCHIVE_COPY"

// hostProbe decides whether host paths can be bind-mounted into containers.
// Inside WSL1 or another container they cannot.
type hostProbe struct {
	goos          string
	cgroupPath    string
	dockerenvPath string
	getenv        func(string) string
}

func defaultProbe() hostProbe {
	return hostProbe{
		goos:          runtime.GOOS,
		cgroupPath:    "/proc/self/cgroup",
		dockerenvPath: "/.dockerenv",
		getenv:        os.Getenv,
	}
}

// ForceArchiveCopyFromEnv reports whether the toggle is set to a true value.
func ForceArchiveCopyFromEnv(getenv func(string) string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(getenv(ForceArchiveCopyEnv)))
	return err == nil && v
}

func (p hostProbe) needsArchiveCopy(ctx context.Context, r Runner) (bool, string) {
	if ForceArchiveCopyFromEnv(p.getenv) {
		return true, "forced by " + ForceArchiveCopyEnv
	}
	if p.goos != "linux" {
		return false, ""
	}
	if data, err := os.ReadFile(p.cgroupPath); err == nil && strings.Contains(string(data), "docker") {
		return true, "running inside a docker container"
	}
	if _, err := os.Stat(p.dockerenvPath); err == nil {
		return true, "running inside a container"
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, ""
	}
	out, _, _, err := output(ctx, r, "systemd-detect-virt", "-c")
	if err == nil && strings.TrimSpace(out) == "wsl" {
		return true, "running under WSL1"
	}
	return false, ""
}
