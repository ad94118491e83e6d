package config

// Stamped by the release build:
//
//	go build -ldflags "-X rotarydesk/internal/config.version=$(git describe --tags) \
//	    -X rotarydesk/internal/config.commit=$(git rev-parse --short HEAD) \
//	    -X rotarydesk/internal/config.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/...
//
// Local and test builds keep the placeholders.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo reports what the binary was stamped with. LoadConfig stores
// it in Config.Build; /health and the startup log read it from there.
func NewBuildInfo() BuildInfo {
	return BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}
}

// Stamped reports whether the release build set a version.
func (b BuildInfo) Stamped() bool {
	return b.Version != "" && b.Version != "dev"
}
