// Package version holds build information, set at link time with
//
//	-ldflags "-X github.com/hostconverge/hostconverge/version.Version=..."
package version

// Default build-time variables for library import.
var (
	GitCommit = "library-import"
	Version   = "library-import"
	BuildTime = "library-import"
)
