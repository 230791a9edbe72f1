//go:build emma_debug

// Package debug provides logging and assertion helpers that only exist
// when the module is built with the emma_debug tag.
package debug

import (
	"fmt"
	"os"

	"github.com/timandy/routine"
)

// Enabled reports whether the emma_debug build tag was set.
const Enabled = true

// Log prints a debug trace line to stderr, tagged with the calling
// goroutine's id.
func Log(pkg, op, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "emma/%s [g%d] %s: %s\n", pkg, routine.Goid(), op, msg)
}

// Assert panics with a formatted message if cond is false.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Errorf("emma: assertion failed: "+format, args...))
	}
}
