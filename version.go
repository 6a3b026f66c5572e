package interop

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
)

const modulePath = "github.com/glycerine/interop"

// GitCommit and GitTag are stamped at link time:
//
//	go build -ldflags "-X github.com/glycerine/interop.GitCommit=$(git rev-parse HEAD)"
var GitCommit string
var GitTag string

// ModuleVersion reports the version of this module
// compiled into the running binary, as the go tool
// recorded it. A local checkout reports "(devel)";
// a replaced module reports where it was replaced to.
func ModuleVersion() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	return moduleVersion(bi)
}

func moduleVersion(bi *debug.BuildInfo) string {
	if bi.Main.Path == modulePath {
		return bi.Main.Version
	}
	for _, d := range bi.Deps {
		if d.Path != modulePath {
			continue
		}
		if d.Replace != nil {
			return fmt.Sprintf("%v => %v %v", d.Version, d.Replace.Path, d.Replace.Version)
		}
		return d.Version
	}
	return "unknown"
}

// VersionString is the one-line answer a program
// built on interop gives to -version.
func VersionString(program string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v: interop %v", program, ModuleVersion())
	if GitTag != "" {
		fmt.Fprintf(&b, " tag %v", GitTag)
	}
	if GitCommit != "" {
		fmt.Fprintf(&b, " commit %v", GitCommit)
	}
	fmt.Fprintf(&b, " / frame magic %x / %v %v/%v",
		magic[:7], runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return b.String()
}

// ExitOnVersionFlag prints VersionString and exits 0
// if -version or --version appears anywhere in os.Args.
// Call it before flag.Parse so the flag need not be declared.
func ExitOnVersionFlag(program string) {
	for _, a := range os.Args[1:] {
		if a == "-version" || a == "--version" {
			fmt.Println(VersionString(program))
			os.Exit(0)
		}
	}
}
