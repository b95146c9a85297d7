package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the semantic version of raffled. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// UserAgent identifies raffled in outbound HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("raffled/%s", Version)
}

// Info renders the build metadata printed by the version command.
func Info() string {
	return fmt.Sprintf("raffled %s\ncommit: %s\nbuilt: %s\ngo: %s %s/%s\n",
		Version, Commit, BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
