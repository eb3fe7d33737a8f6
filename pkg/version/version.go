// Package version carries build metadata injected at link time.
package version

import (
	"fmt"
	"runtime"
)

// Version is the release version. Set via ldflags:
// -X github.com/sagequery/sagequery/pkg/version.Version=x.y.z
var Version = "dev"

var (
	// Commit is the git commit hash set via ldflags.
	Commit = "unknown"
	// Date is the build date set via ldflags, RFC3339.
	Date = "unknown"
	// GoVersion is taken from the runtime.
	GoVersion = runtime.Version()
)

// BuildInfo is the structured form for JSON output.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// String returns the full version line.
func String() string {
	return fmt.Sprintf("sagequery %s (commit: %s, built: %s, go: %s)",
		Version, Commit, Date, GoVersion)
}

// Short returns only the version number.
func Short() string { return Version }

// GetInfo returns the structured build information.
func GetInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}
