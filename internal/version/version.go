// Package version exposes build metadata injected at link time.
//
// Version, Commit, and Date are set via ldflags:
//
//	go build -ldflags "-X github.com/tabtuner/tabtuner/internal/version.Version=x.y.z \
//	                   -X github.com/tabtuner/tabtuner/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/tabtuner/tabtuner/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
)

// Set at build time. Untagged builds report "dev".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

const appName = "tabtuner"

// Info is the marshalable form of the build metadata.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetInfo collects build and runtime metadata.
func GetInfo() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// shortCommit returns the abbreviated commit SHA, or "" for builds
// without one.
func shortCommit() string {
	if Commit == "unknown" || len(Commit) < 8 {
		return ""
	}
	return Commit[:8]
}

// String renders the full single-line build description.
func String() string {
	info := GetInfo()
	if sc := shortCommit(); sc != "" {
		return fmt.Sprintf("%s %s (commit %s, built %s, %s %s)",
			appName, info.Version, sc, info.Date, info.GoVersion, info.Platform)
	}
	return fmt.Sprintf("%s %s (%s %s)", appName, info.Version, info.GoVersion, info.Platform)
}

// Short renders just the version and commit, without the binary name;
// cobra's --version template prepends the name itself.
func Short() string {
	if sc := shortCommit(); sc != "" {
		return fmt.Sprintf("%s (%s)", Version, sc)
	}
	return Version
}

// JSON renders Info as an indented document for the version command.
func JSON() string {
	data, err := json.MarshalIndent(GetInfo(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
