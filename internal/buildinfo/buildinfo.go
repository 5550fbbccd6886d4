// Package buildinfo holds the compile-time-stamped version fields the
// CLI reports on -v, the way cmd/revad/main.go's gitCommit/buildDate/
// version/goVersion vars are populated with -ldflags at build time.
package buildinfo

import "fmt"

var (
	// Version is the resqued release version, set via:
	//   -ldflags "-X github.com/erichhsun/resqued/internal/buildinfo.Version=..."
	Version = "dev"
	// GitCommit is the short commit hash of the build.
	GitCommit = "unknown"
	// GoVersion is the Go toolchain version used to build this binary.
	GoVersion = "unknown"
	// BuildDate is when this binary was built, RFC3339.
	BuildDate = "unknown"
)

// String renders the one-line version banner printed by `resqued -v`.
func String() string {
	return fmt.Sprintf("resqued %s (commit %s, %s, built %s)", Version, GitCommit, GoVersion, BuildDate)
}
