package main

import (
	"context"
	"os"
	"runtime/debug"
	"strings"

	"github.com/agentsh/oslayer/internal/cli"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = ""
)

// buildVersion prefers the linker-provided commit and falls back to the
// VCS stamp the go tool embeds in the binary.
func buildVersion() string {
	info, _ := debug.ReadBuildInfo()
	return versionFrom(version, commit, info)
}

func versionFrom(version, commit string, info *debug.BuildInfo) string {
	v := strings.TrimSpace(version)
	if v == "" {
		v = "dev"
	}
	rev := strings.TrimSpace(commit)
	dirty := false
	if rev == "" && info != nil {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				rev = s.Value
			case "vcs.modified":
				dirty = s.Value == "true"
			}
		}
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if rev == "" || strings.Contains(v, rev) {
		return v
	}
	if dirty {
		rev += ".dirty"
	}
	return v + "+" + rev
}

func main() {
	os.Exit(cli.Main(context.Background(), buildVersion(), os.Args[1:]))
}
