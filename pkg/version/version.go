// Package version holds build metadata injected at link time via
// -ldflags "-X github.com/guestkit/guestkit/pkg/version.Version=...".
package version

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)
