// Package version reports the statepool build.
//
// The values are set at build time using ldflags:
//
//	go build -ldflags "-X github.com/go-i2p/statepool/version.Version=1.0.0 \
//	    -X github.com/go-i2p/statepool/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Without ldflags, the module version recorded by the Go toolchain is used
// when there is one, and "dev" otherwise.
package version

import (
	"runtime"
	"runtime/debug"
)

// Version is the software version.
var Version = "dev"

// GitCommit is the short commit hash.
var GitCommit = ""

// BuildTime is when the binary was built, in RFC 3339.
var BuildTime = ""

// Info describes the running build.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	GitCommit string `json:"git_commit,omitempty" yaml:"git_commit,omitempty"`
	BuildTime string `json:"build_time,omitempty" yaml:"build_time,omitempty"`
	GoVersion string `json:"go_version" yaml:"go_version"`
}

// Get returns the build information, falling back to the module version
// from the binary when Version was not set at link time.
func Get() Info {
	v := Version
	if v == "dev" {
		if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			v = bi.Main.Version
		}
	}
	return Info{
		Version:   v,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

// Full returns the version with commit and build time when available,
// e.g. "1.0.0-abc1234 (2026-01-29T12:00:00Z)".
func Full() string {
	return Get().String()
}

func (i Info) String() string {
	s := i.Version
	if i.GitCommit != "" {
		s += "-" + i.GitCommit
	}
	if i.BuildTime != "" {
		s += " (" + i.BuildTime + ")"
	}
	return s
}
