// Package version reports the build of the experimenter binaries. Both values
// are stamped at build time:
//
//	go build -ldflags "-X github.com/ramonehamilton/forecast-experimenter/internal/version.Version=v0.3.0 \
//	  -X github.com/ramonehamilton/forecast-experimenter/internal/version.Commit=$(git rev-parse --short HEAD)"
package version

var (
	// Version is the release tag, "dev" for local builds.
	Version = "dev"

	// Commit is the source revision, empty when not stamped.
	Commit = ""
)

// GetVersion returns the version, suffixed with the commit when known.
func GetVersion() string {
	if Commit == "" {
		return Version
	}
	return Version + "+" + Commit
}
