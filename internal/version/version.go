// Package version carries build metadata. The variables are set with
// -ldflags "-X restpipe/internal/version.Version=..." at build time.
package version

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

var (
	// Version is a semantic version ("v1.4.0") or a commit hash for
	// untagged builds.
	Version = "unknown"

	// BuildDate is the ISO 8601 UTC build timestamp.
	BuildDate = "unknown"

	GitCommit = "unknown"
)

// Info holds build metadata and per-process identifiers.
type Info struct {
	Version    string `json:"version"`
	GitCommit  string `json:"git_commit"`
	BuildDate  string `json:"build_date"`
	GoVersion  string `json:"go_version"`
	InstanceID string `json:"instance_id"`
	Hostname   string `json:"hostname"`
}

var (
	once sync.Once
	info Info
)

// GetInfo returns build metadata. The instance ID and hostname are computed
// on the first call.
func GetInfo() Info {
	once.Do(func() {
		info = Info{
			Version:    Version,
			GitCommit:  GitCommit,
			BuildDate:  BuildDate,
			GoVersion:  runtime.Version(),
			InstanceID: uuid.NewString(),
			Hostname:   hostname(),
		}
	})
	return info
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}

// Release parses Version as a semantic version. It reports false for
// development builds.
func (i Info) Release() (*semver.Version, bool) {
	v, err := semver.NewVersion(i.Version)
	if err != nil {
		return nil, false
	}
	return v, true
}

func (i Info) String() string {
	return fmt.Sprintf("restpipe version %s (commit: %s, built: %s)", i.Version, i.GitCommit, i.BuildDate)
}
