// Package debug provides verbose diagnostic logging gated on SHEP_DEBUG.
package debug

import (
	"fmt"
	"os"
)

// Enabled reports whether debug logging is on (SHEP_DEBUG set and non-empty).
func Enabled() bool {
	v := os.Getenv("SHEP_DEBUG")
	return v != "" && v != "0" && v != "false"
}

// Logf writes a formatted diagnostic line to stderr when debug mode is on.
func Logf(format string, args ...interface{}) {
	if !Enabled() {
		return
	}
	fmt.Fprintf(os.Stderr, format, args...)
}
