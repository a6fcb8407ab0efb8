// Package version reports build metadata. Values are set with -ldflags -X;
// a plain go build falls back to the module's VCS stamp.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

type Info struct {
	Version   string
	Commit    string
	Date      string
	GoVersion string
}

func Get() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
	}
	if info.Commit == "none" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			fillFromBuildSettings(&info, bi.Settings)
		}
	}
	return info
}

func fillFromBuildSettings(info *Info, settings []debug.BuildSetting) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if len(s.Value) > 12 {
				info.Commit = s.Value[:12]
			} else if s.Value != "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.Date == "unknown" && s.Value != "" {
				info.Date = s.Value
			}
		}
	}
}

func (i Info) String() string {
	return fmt.Sprintf("apichain %s (commit: %s, built: %s, %s)", i.Version, i.Commit, i.Date, i.GoVersion)
}

// UserAgent is sent on outbound API calls.
func (i Info) UserAgent() string {
	return "apichain/" + i.Version
}
