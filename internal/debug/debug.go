// Package debug provides env-gated diagnostic output.
//
// Set GOODIES_DEBUG to any non-empty value (or pass --verbose) to see
// sync-cycle and storage tracing on stderr. Off by default; the hot path
// pays one bool check.
package debug

import (
	"fmt"
	"io"
	"os"
)

var (
	enabled     = os.Getenv("GOODIES_DEBUG") != ""
	verboseMode = false
	quietMode   = false

	out    io.Writer = os.Stdout
	errOut io.Writer = os.Stderr
)

// SetVerbose enables verbose/debug output
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

// SetQuiet enables quiet mode (suppress non-essential output)
func SetQuiet(quiet bool) {
	quietMode = quiet
}

// IsQuiet returns true if quiet mode is enabled
func IsQuiet() bool {
	return quietMode
}

func Logf(format string, args ...interface{}) {
	if enabled || verboseMode {
		fmt.Fprintf(errOut, format, args...)
	}
}

// PrintNormal prints output unless quiet mode is enabled
func PrintNormal(format string, args ...interface{}) {
	if !quietMode {
		fmt.Fprintf(out, format, args...)
	}
}
