package version

import "runtime/debug"

// Version of the calls binaries, set at build time:
//
//	go build -ldflags="-X 'github.com/aymnn34/calls/internal/version.Version=v1.0.0'"
var Version = "dev"

// Commit returns the VCS revision recorded by the Go toolchain, if any.
func Commit() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}
