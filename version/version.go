// Package version holds build metadata stamped in by the linker:
//
//	go build -ldflags "\
//	  -X github.com/projecteru2/mancer/version.VERSION=$(git describe --tags) \
//	  -X github.com/projecteru2/mancer/version.REVISION=$(git rev-parse --short HEAD) \
//	  -X github.com/projecteru2/mancer/version.BUILTAT=$(date -u +%FT%TZ)"
package version

import (
	"fmt"
	"runtime"
)

var (
	NAME = "Mancer"
	// VERSION is the release tag, also shown by `mancer status`.
	VERSION  = "unknown"
	REVISION = "HEAD"
	BUILTAT  = "now"
)

// String renders the block printed by `mancer version`.
func String() string {
	return fmt.Sprintf(
		"%s\nVersion:        %s\nGit hash:       %s\nBuilt:          %s\nGolang version: %s\nOS/Arch:        %s/%s\n",
		NAME, VERSION, REVISION, BUILTAT, runtime.Version(), runtime.GOOS, runtime.GOARCH,
	)
}
