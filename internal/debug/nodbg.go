//go:build !emma_debug

package debug

// Enabled reports whether the emma_debug build tag was set.
const Enabled = false

// Log is a no-op when emma_debug is not set; the compiler eliminates the
// call site entirely once args are proven unused.
func Log(pkg, op, format string, args ...any) {}

// Assert is a no-op when emma_debug is not set. Callers must not rely on
// side effects of cond's evaluation; cond is still evaluated by Go's
// argument-passing semantics, but the panic never fires.
func Assert(cond bool, format string, args ...any) {}
