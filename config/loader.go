package config

// Environment loading.  Every supported variable uses the PWNKIT_
// prefix; boolean values accept "1", "true", "yes" (case-insensitive).
// Only set variables override the existing value, so explicit values in
// the script always survive a FromEnv overlay.

import (
	"os"
	"strconv"
	"strings"
	"time"

	"pwnkit/tube"
)

// FromEnv returns the defaults overlaid with any PWNKIT_* environment
// variables.
func FromEnv() Settings {
	s := Default()
	LoadFromEnv(&s)
	return s
}

// LoadFromEnv overlays environment variables onto s.
func LoadFromEnv(s *Settings) {
	if v := envInt("PWNKIT_TIMEOUT"); v > 0 {
		s.Timeout = secondsDuration(v)
	} else if v < 0 {
		s.Timeout = tube.Forever
	}
	if v := os.Getenv("PWNKIT_NEWLINE"); v != "" {
		s.Newline = v
	}
	if v := envInt("PWNKIT_GRACE_PERIOD"); v > 0 {
		s.GracePeriod = secondsDuration(v)
	}

	// SSH
	if v := os.Getenv("PWNKIT_SSH_KEY"); v != "" {
		s.SSHKeyPath = v
	}
	if envBool("PWNKIT_SSH_AGENT") {
		s.SSHUseAgent = true
	}
	if envBool("PWNKIT_STRICT_HOSTKEY") {
		s.StrictHostKey = true
	}
	if v := os.Getenv("PWNKIT_KNOWN_HOSTS"); v != "" {
		s.KnownHosts = v
	}
	if v := envInt("PWNKIT_CONN_TIMEOUT"); v > 0 {
		s.ConnTimeout = secondsDuration(v)
	}

	// Output
	if v := envInt("PWNKIT_VERBOSE"); v > 0 {
		s.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
