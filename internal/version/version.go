// Package version reports the build of the running binary.
package version

import (
	"runtime"
	"runtime/debug"
	"sync"
)

// Version is set at build time with -ldflags "-X github.com/me/pipekit/internal/version.Version=...".
var Version = "dev"

// Info is the version snapshot of this binary.
type Info struct {
	Version   string `json:"version"`
	Module    string `json:"module,omitempty"`
	Commit    string `json:"commit,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

var (
	once     sync.Once
	snapshot Info
)

// Get returns the version snapshot, read once per process.
func Get() Info {
	once.Do(func() {
		snapshot = read(Version, debug.ReadBuildInfo)
	})
	return snapshot
}

func read(v string, buildInfo func() (*debug.BuildInfo, bool)) Info {
	info := Info{
		Version:   v,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	bi, ok := buildInfo()
	if !ok {
		return info
	}
	info.Module = bi.Main.Path
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Commit = s.Value
			if len(info.Commit) > 12 {
				info.Commit = info.Commit[:12]
			}
		case "vcs.modified":
			info.Dirty = s.Value == "true"
		}
	}
	return info
}

// String formats the snapshot as "version (commit[-dirty]) go os/arch".
func (i Info) String() string {
	s := i.Version
	if i.Commit != "" {
		c := i.Commit
		if i.Dirty {
			c += "-dirty"
		}
		s += " (" + c + ")"
	}
	return s + " " + i.GoVersion + " " + i.Platform
}
