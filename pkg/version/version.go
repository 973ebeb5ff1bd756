// Package version holds build info injected via ldflags:
//
//	go build -ldflags "-X github.com/NicolasHaas/roomgate/pkg/version.tag=v1.0.0
//	  -X github.com/NicolasHaas/roomgate/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/roomgate/pkg/version.date=2026-01-01"
package version

import "runtime/debug"

var (
	tag    = ""        // git tag, empty if not on a tag
	commit = "unknown" // short git commit SHA
	date   = "unknown" // build date (ISO 8601)
)

func init() {
	if commit != "unknown" {
		return
	}
	// Fall back to VCS stamping from `go build` when ldflags were not set.
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if len(s.Value) > 7 {
				commit = s.Value[:7]
			} else if s.Value != "" {
				commit = s.Value
			}
		case "vcs.time":
			if date == "unknown" && s.Value != "" {
				date = s.Value
			}
		}
	}
}

// String returns the tag, the commit, or "dev", whichever is known first.
func String() string {
	switch {
	case tag != "":
		return tag
	case commit != "unknown":
		return commit
	default:
		return "dev"
	}
}

// Full returns "tag (commit) built date" or a shorter fallback.
func Full() string {
	switch {
	case tag != "":
		return tag + " (" + commit + ") built " + date
	case commit != "unknown":
		return commit + " built " + date
	default:
		return "dev"
	}
}
