// Package callstack captures lightweight call-site traces. The directory
// records one at every registration and deregistration so that later misuse
// (double unregister, leaked listener) can point back at the responsible
// call site instead of the directory's own internals.
package callstack

import (
	"fmt"
	"runtime"
	"strings"
)

const maxFrames = 32

// Trace is a captured call stack. The zero value is an empty trace.
type Trace struct {
	pcs []uintptr
}

// Capture records the calling goroutine's stack. skip counts additional
// frames above the caller to omit: Capture(0) starts at the caller itself.
func Capture(skip int) Trace {
	var pcs [maxFrames]uintptr
	// +2 skips runtime.Callers and Capture.
	n := runtime.Callers(skip+2, pcs[:])
	return Trace{pcs: append([]uintptr(nil), pcs[:n]...)}
}

// Empty reports whether the trace holds no frames.
func (t Trace) Empty() bool {
	return len(t.pcs) == 0
}

// String renders one "function (file:line)" entry per line. Symbolization is
// deferred to here so captures stay cheap on the registration path.
func (t Trace) String() string {
	if len(t.pcs) == 0 {
		return "(no trace)"
	}
	var b strings.Builder
	frames := runtime.CallersFrames(t.pcs)
	for {
		fr, more := frames.Next()
		if fr.Function != "" {
			fmt.Fprintf(&b, "%s (%s:%d)\n", fr.Function, fr.File, fr.Line)
		}
		if !more {
			break
		}
	}
	return b.String()
}
