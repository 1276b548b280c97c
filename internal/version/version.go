// Package version reports build metadata set through -ldflags, falling back
// to module build info for `go install` builds.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var readBuildInfo = debug.ReadBuildInfo

func String() string {
	return fmt.Sprintf("busmon %s (commit=%s, date=%s, go=%s, platform=%s/%s)",
		resolvedVersion(), Commit, Date, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// resolvedVersion prefers the ldflags value, then the main module version.
func resolvedVersion() string {
	if Version != "dev" {
		return Version
	}
	info, ok := readBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return Version
	}
	return info.Main.Version
}
