// Package buildinfo exposes version metadata stamped into the binary by
// the build, plus process uptime for the stats endpoint.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Populated at link time via -ldflags "-X ...". Defaults cover
// plain `go build` and `go run` invocations.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Uptime reports how long the process has been running, truncated to
// whole seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String formats a single log-friendly line of build identity.
func String() string {
	return fmt.Sprintf("Gamemaster %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}

// Info collects build and runtime metadata for the version endpoint and
// the version subcommand.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}
