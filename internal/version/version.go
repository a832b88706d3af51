// Package version carries build information injected with -ldflags -X.
package version

import (
	"fmt"
	"io"
	"runtime"
)

var (
	App       = "ad-sso-gateway"
	Version   string
	GitCommit string
	BuildTime string
)

// Short returns the version, or "dev" for unreleased builds.
func Short() string {
	if Version != "" {
		return Version
	}
	return "dev"
}

// Print writes the build information to w.
func Print(w io.Writer) {
	fmt.Fprintf(w, "%s version %s\n", App, Short())
	if GitCommit != "" {
		fmt.Fprintf(w, "Git commit: %s\n", shortCommit())
	}
	if BuildTime != "" {
		fmt.Fprintf(w, "Build time: %s\n", BuildTime)
	}
	fmt.Fprintf(w, "Go version: %s\n", runtime.Version())
	fmt.Fprintf(w, "Built for: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func shortCommit() string {
	if len(GitCommit) > 7 {
		return GitCommit[:7]
	}
	return GitCommit
}
