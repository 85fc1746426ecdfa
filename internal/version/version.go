// Package version holds build-time stamped version information.
package version

import (
	"fmt"
	"runtime"
)

// Build information, overridable via -ldflags at compile time.
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
	GoVersion = runtime.Version()
)

// FullVersion returns the full version string including git commit and
// build time.
func FullVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s, %s)", Version, GitCommit, BuildTime, GoVersion)
}

// UserAgent returns a string suitable for a swarmctl HTTP User-Agent header.
func UserAgent() string {
	return fmt.Sprintf("swarmctl/%s", Version)
}
