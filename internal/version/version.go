// Package version reports build metadata for secwatch. Release builds stamp
// the package variables with -ldflags, anything left unset is filled from the
// VCS stamp the go toolchain embeds.
package version

import (
	"fmt"
	"runtime/debug"
	"strconv"
)

// AppName is the service name used in logs, metrics, traces and profiles
const AppName = "secwatch"

var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	AppName    string `json:"app_name"`
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

func Get() Info {
	i := Info{
		AppName:    AppName,
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		i = i.withBuildInfo(bi)
	}
	return i
}

// withBuildInfo fills gaps from the embedded build info. Stamped commit and
// dates take precedence, the toolchain's vcs.modified always wins.
func (i Info) withBuildInfo(bi *debug.BuildInfo) Info {
	i.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		if s.Value == "" {
			continue
		}
		switch s.Key {
		case "vcs.revision":
			if i.Commit == "none" {
				i.Commit = s.Value
			}
		case "vcs.time":
			if i.CommitDate == "" {
				i.CommitDate = s.Value
			}
			if i.BuildDate == "" {
				i.BuildDate = s.Value
			}
		case "vcs.modified":
			if b, err := strconv.ParseBool(s.Value); err == nil {
				i.VCSDirty = &b
			}
		}
	}
	return i
}

// Dirty renders VCSDirty as true, false or unknown
func (i Info) Dirty() string {
	if i.VCSDirty == nil {
		return "unknown"
	}
	return strconv.FormatBool(*i.VCSDirty)
}

// LogKV is the build metadata as logger key/value pairs
func (i Info) LogKV() []any {
	return []any{
		"version", i.Version,
		"commit", i.Commit,
		"commit_date", i.CommitDate,
		"build_id", i.BuildId,
		"build_date", i.BuildDate,
		"go_version", i.GoVersion,
		"vcs_dirty", i.Dirty(),
	}
}

// String is the one-line form printed by -V
func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%s)",
		i.AppName, i.Version, i.Commit, i.CommitDate, i.BuildId, i.BuildDate, i.GoVersion, i.Dirty())
}
