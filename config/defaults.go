package config

import (
	"pwnkit/process"
	"pwnkit/remote"
	"pwnkit/tube"
)

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across environment loading and direct construction.

const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultNewline is the line terminator for line-oriented calls.
	DefaultNewline = "\n"
)

// Default returns the settings a fresh session starts from.
func Default() Settings {
	return Settings{
		Timeout:     tube.DefaultTimeout,
		Newline:     DefaultNewline,
		GracePeriod: process.DefaultGracePeriod,
		ConnTimeout: remote.DefaultDialTimeout,
	}
}
