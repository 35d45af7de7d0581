// Package version exposes build metadata for the pgtrack binary.
package version

import "runtime"

const version = "0.1.0"

// Build-time variables set via ldflags
var (
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// App returns the current pgtrack version.
func App() string {
	return version
}

// Platform returns the OS/architecture combination.
func Platform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}
