// Package buildinfo holds version and build metadata. Release builds
// stamp it via ldflags; other builds fall back to the VCS settings the
// Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Set at build time via -ldflags, e.g.
//
//	go build -ldflags "-X github.com/nugget/bbchat/internal/buildinfo.Version=v0.3.0"
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime,omitempty"`
}

var resolve = sync.OnceValue(func() Info {
	info := Info{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	return fillFromVCS(info, bi)
})

// fillFromVCS replaces unstamped fields with what the toolchain
// recorded. A dirty tree gets a "+dirty" commit suffix.
func fillFromVCS(info Info, bi *debug.BuildInfo) Info {
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	var revision, modified string
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			if info.BuildTime == "unknown" {
				info.BuildTime = s.Value
			}
		case "vcs.modified":
			modified = s.Value
		}
	}
	if info.GitCommit == "unknown" && revision != "" {
		if len(revision) > 12 {
			revision = revision[:12]
		}
		if modified == "true" {
			revision += "+dirty"
		}
		info.GitCommit = revision
	}
	return info
}

// Get returns the build metadata without uptime, stable for the
// version subcommand.
func Get() Info {
	return resolve()
}

// Current returns the build metadata plus process uptime.
func Current() Info {
	info := resolve()
	info.Uptime = Uptime().String()
	return info
}

// Uptime returns the time since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is sent on every outbound HTTP request.
func UserAgent() string {
	info := resolve()
	return fmt.Sprintf("bbchat/%s (%s; %s/%s)", info.Version, info.GoVersion, info.OS, info.Arch)
}

// String returns a one-line summary for logging.
func String() string {
	info := resolve()
	return fmt.Sprintf("bbchat %s (%s@%s) built %s", info.Version, info.GitCommit, info.GitBranch, info.BuildTime)
}
