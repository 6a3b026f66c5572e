package kvstore

import (
	"fmt"
	"os"
	"path"
	"runtime"
	"time"

	"github.com/glycerine/interop/callbacks"
)

// useful during git bisect
var forceQuiet = false

func vv(format string, a ...interface{}) {
	if !forceQuiet {
		tsPrintf(format, a...)
	}
}

func alwaysPrintf(format string, a ...interface{}) {
	tsPrintf(format, a...)
}

const rfc3339NanoNumericTZ0pad = "2006-01-02T15:04:05.000000000-07:00"

func tsPrintf(format string, a ...interface{}) {
	callbacks.TsPrintfMut.Lock()
	fmt.Fprintf(os.Stdout, "\n%s [goID %v] %s ", fileLine(3), callbacks.GoroNumber(),
		time.Now().UTC().Format(rfc3339NanoNumericTZ0pad))
	fmt.Fprintf(os.Stdout, format+"\n", a...)
	callbacks.TsPrintfMut.Unlock()
}

func fileLine(depth int) string {
	_, fileName, fileLine, ok := runtime.Caller(depth)
	var s string
	if ok {
		s = fmt.Sprintf("%s:%d", path.Base(fileName), fileLine)
	}
	return s
}
