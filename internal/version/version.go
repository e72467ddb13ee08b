package version

// Set at build time with -ldflags "-X signalbeam.sh/internal/version.Version=..."
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// String returns the full version string for logs and the health
// endpoint.
func String() string {
	return Version + " (" + CommitSHA + ")"
}
