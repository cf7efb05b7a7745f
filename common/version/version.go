// Package version carries the build metadata of the ryuk binary. The values
// are stamped with -ldflags "-X github.com/bdobrica/ryuk/common/version.Version=..."
// and reported in startup logs, /health and /status, and the User-Agent of
// every request the bot makes to model, image and chat APIs.
package version

var (
	// Version is the release tag.
	Version = "v0.0.0-dev"

	// GitCommit is the commit the binary was built from.
	GitCommit = "unknown"

	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// Info returns "<version> (<commit>) built at <time>".
func Info() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}

// UserAgent is the User-Agent header sent to every upstream API.
func UserAgent() string {
	return "ryuk/" + Version
}
