// Package logging provides the daemon's diagnostic output: plain
// fmt.Fprintf lines to stderr, coloured when attached to a terminal,
// gated behind a debug flag.
package logging

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/fatih/color"
)

var debugEnabled atomic.Bool

var (
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed, color.Bold)
	debugColor = color.New(color.FgCyan)
)

// SetDebug enables or disables Debugf output process-wide.
func SetDebug(enabled bool) {
	debugEnabled.Store(enabled)
}

// Debugf writes a diagnostic line to stderr when debug logging is
// enabled; otherwise it is a no-op.
func Debugf(format string, args ...any) {
	if !debugEnabled.Load() {
		return
	}
	debugColor.Fprintf(os.Stderr, "debug: "+format+"\n", args...)
}

// Warnf always writes a warning line to stderr.
func Warnf(format string, args ...any) {
	warnColor.Fprintf(os.Stderr, "warn: "+format+"\n", args...)
}

// Errorf always writes an error line to stderr.
func Errorf(format string, args ...any) {
	errorColor.Fprintf(os.Stderr, "error: "+format+"\n", args...)
}

// Printf writes an unconditional informational line to stderr, left
// uncoloured to stay legible when piped.
func Printf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
