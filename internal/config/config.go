// Package config collects the daemon's runtime settings: the CDP
// endpoint to dial or browser to launch, and where to keep XDG-style
// runtime state. Values are set from cobra flags at the cmd/bidimapperd
// layer rather than parsed here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the settings needed to stand up one mapper instance.
type Config struct {
	// CDPEndpoint is a ws:// URL to an already-running browser. Empty
	// means "launch our own", governed by Headless/ChromeBinary.
	CDPEndpoint string

	// Headless controls how a launched browser is started; unused
	// when CDPEndpoint is set.
	Headless bool

	// ChromeBinary overrides browser.FindChrome's search when set.
	ChromeBinary string

	// Debug enables internal/logging.Debugf output.
	Debug bool

	// PIDPath is the daemon's PID file location. cmd/bidimapperd does not
	// write a PID file.
	PIDPath string

	// Port is the CDP remote-debugging port for a launched browser. 0
	// means browser.DefaultPort. Unused when CDPEndpoint is set.
	Port int

	// UserDataDir is the launched browser's profile directory. Empty
	// means a fresh temporary profile; browser.UserDataDirDefault means
	// the user's own Chrome profile. Unused when CDPEndpoint is set.
	UserDataDir string
}

// Default returns the baseline configuration before flag overrides.
func Default() Config {
	return Config{
		Headless: true,
		PIDPath:  DefaultPIDPath(),
	}
}

// DefaultPIDPath returns the XDG-compliant PID file path for the
// bidimapper daemon.
func DefaultPIDPath() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "bidimapperd", "bidimapperd.pid")
	}
	return filepath.Join(fmt.Sprintf("/tmp/bidimapperd-%d", os.Getuid()), "bidimapperd.pid")
}
