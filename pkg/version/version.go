// Package version holds build information injected with -ldflags, e.g.
//
//	-X github.com/coral-mesh/wallprof/pkg/version.Version=v0.3.0
package version

import "runtime"

var (
	// Version is the semantic version.
	Version = "dev"

	// GitCommit is the git commit hash.
	GitCommit = "unknown"

	// BuildDate is the build timestamp.
	BuildDate = "unknown"

	// GoVersion is the Go version used to build.
	GoVersion = runtime.Version()
)
