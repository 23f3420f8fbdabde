// Package version provides a single source of truth for the sentinel version.
// Version can be set at build time via ldflags: -ldflags '-X github.com/invisible-tech/sentinel/internal/version.Version=1.2.3'
package version

// Version is set at build time; default for local builds.
var Version = "0.1.0"

// UserAgent is sent by the HTTP clients in pkg/.
func UserAgent(component string) string {
	return "sentinel-" + component + "/" + Version
}
