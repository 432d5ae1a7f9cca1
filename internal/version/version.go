// Package version provides build-time version information
// injected via ldflags during compilation.
package version

import "fmt"

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// String renders the version line printed by the command entrypoints.
func String() string {
	return fmt.Sprintf("%s (built %s)", Version, BuildTime)
}
