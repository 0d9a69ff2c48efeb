// This file contains build information set through -ldflags, e.g.
//   go build -ldflags "-X github.com/nobletooth/refcache/pkg/utils.Version=v1.2.3"
// CAUTION: This file shouldn't be removed or else build flags wouldn't be set properly.

package utils

import (
	"log/slog"
	"strconv"
	"time"
)

const unknownBuildInfo = "unknown"

var (
	TestMode   string // Should be true when running tests.
	IsTestMode bool
	Version    string
	Commit     string
	BuildTime  string
	StartTime  time.Time
)

func init() {
	StartTime = time.Now()

	// If build info is not set, make that clear. Version stays a valid semantic version.
	if Version == "" {
		Version = "v0.0.0-" + unknownBuildInfo
	}
	if Commit == "" {
		Commit = unknownBuildInfo
	}
	if BuildTime == "" {
		BuildTime = unknownBuildInfo
	}
	if len(TestMode) > 0 {
		if isTestMode, err := strconv.ParseBool(TestMode); err == nil {
			IsTestMode = isTestMode
		} else {
			slog.Warn("Failed to parse TestMode build flag, defaulting to false", "error", err)
		}
	}
}

// Uptime returns the time passed since the process started.
func Uptime() time.Duration {
	return time.Since(StartTime)
}
