// Package config collects the session-wide defaults an exploit script
// starts from: timeouts, log verbosity, line discipline, and SSH
// credentials.  Settings are explicit values handed to constructors,
// never hidden globals; FromEnv only fills a Settings struct that the
// caller passes on.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"pwnkit/tube"
	"pwnkit/tunnel"
	"pwnkit/util"
)

// Settings holds every session-wide tuneable.
type Settings struct {
	// ── Tube behavior ────────────────────────────────────────────────
	Timeout time.Duration // default receive timeout
	Newline string        // line terminator for line-oriented calls

	// ── Process children ─────────────────────────────────────────────
	GracePeriod time.Duration // SIGTERM-to-SIGKILL delay on close

	// ── SSH ──────────────────────────────────────────────────────────
	SSHKeyPath    string
	SSHUseAgent   bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration

	// ── Output ───────────────────────────────────────────────────────
	Verbose int
}

// TubeOptions translates the settings into tube construction options.
func (s Settings) TubeOptions() []tube.Option {
	opts := []tube.Option{
		tube.WithTimeout(s.Timeout),
		tube.WithLogger(s.Logger()),
	}
	if s.Newline != "" {
		opts = append(opts, tube.WithNewline([]byte(s.Newline)))
	}
	return opts
}

// Logger builds a logger at the configured verbosity.
func (s Settings) Logger() *util.Logger {
	return util.NewLogger(s.Verbose)
}

// SSHConfig builds a tunnel configuration for the [user@]host[:port]
// spec, carrying over the session's SSH credentials.
func (s Settings) SSHConfig(spec string) (*tunnel.Config, error) {
	user, host, port, err := ParseHostSpec(spec)
	if err != nil {
		return nil, err
	}
	return &tunnel.Config{
		User:          user,
		Host:          host,
		Port:          port,
		KeyPath:       s.SSHKeyPath,
		UseAgent:      s.SSHUseAgent,
		StrictHostKey: s.StrictHostKey,
		KnownHosts:    s.KnownHosts,
		ConnTimeout:   s.ConnTimeout,
	}, nil
}

// Validate checks that the settings are internally consistent.
func (s Settings) Validate() error {
	if s.Timeout < 0 && s.Timeout != tube.Forever {
		return fmt.Errorf("invalid timeout %v", s.Timeout)
	}
	if s.GracePeriod < 0 {
		return fmt.Errorf("invalid grace period %v", s.GracePeriod)
	}
	if s.ConnTimeout < 0 {
		return fmt.Errorf("invalid connection timeout %v", s.ConnTimeout)
	}
	if s.StrictHostKey && s.KnownHosts == "" {
		return fmt.Errorf("strict host key checking requires a known_hosts path")
	}
	return nil
}

// ── Host-spec parser ─────────────────────────────────────────────────

// hostRe matches [user@]host[:port].
var hostRe = regexp.MustCompile(`^(?:([^@]+)@)?([^@:]+)(?::(\d+))?$`)

// ParseHostSpec extracts user, host, and port from a string such as
// "ctf@target.example.com:2222".  Port defaults to 22.
func ParseHostSpec(spec string) (user, host string, port int, err error) {
	m := hostRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid host spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("host is required")
	}
	return user, host, port, nil
}
