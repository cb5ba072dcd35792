package version

// Set by -ldflags "-X github.com/montanafw/trimcal/pkg/version.Version=...".
var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
)
