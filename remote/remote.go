// Package remote dials a network service and wraps the connection in
// a tube.  TCP is the normal case; UDP is the connectionless variant
// where reads and writes map to single datagrams.
package remote

import (
	"context"
	"fmt"
	"net"
	"time"

	errs "pwnkit/internal/errors"
	"pwnkit/internal/retry"
	"pwnkit/tube"
	"pwnkit/util"
)

// DefaultDialTimeout bounds connection establishment when no option
// overrides it.
const DefaultDialTimeout = 30 * time.Second

// Option configures a dial.
type Option func(*config)

type config struct {
	dialTimeout time.Duration
	localPort   int
	backoff     *retry.Backoff
	logger      *util.Logger
	tubeOpts    []tube.Option
}

// WithDialTimeout bounds how long Dial waits for the connection.
func WithDialTimeout(d time.Duration) Option {
	return func(c *config) { c.dialTimeout = d }
}

// WithLocalPort binds the connection to a specific source port
// (0 = ephemeral).
func WithLocalPort(port int) Option {
	return func(c *config) { c.localPort = port }
}

// WithLogger attaches a logger to the dial and the resulting tube.
func WithLogger(l *util.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithTubeOptions forwards options (timeout, newline, metrics) to the
// underlying tube.
func WithTubeOptions(opts ...tube.Option) Option {
	return func(c *config) { c.tubeOpts = append(c.tubeOpts, opts...) }
}

// WithRetry retries a failed dial with exponential backoff, useful for
// services that are still coming up.  Pass nil for the default policy.
func WithRetry(b *retry.Backoff) Option {
	return func(c *config) {
		if b == nil {
			b = retry.DefaultBackoff()
		}
		c.backoff = b
	}
}

// Remote is a tube over a client network connection.
type Remote struct {
	*tube.Tube
	conn net.Conn
}

// Dial connects to address over the given network ("tcp", "udp", and
// their 4/6 variants) and returns the connection as a tube.  Failures
// to establish the transport surface here, never on first use.
func Dial(ctx context.Context, network, address string, opts ...Option) (*Remote, error) {
	cfg := config{dialTimeout: DefaultDialTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	dialer := net.Dialer{Timeout: cfg.dialTimeout}
	if cfg.localPort > 0 {
		local := fmt.Sprintf(":%d", cfg.localPort)
		a, err := net.ResolveTCPAddr("tcp", local)
		if err != nil {
			return nil, errs.Wrap("dial", address, err)
		}
		dialer.LocalAddr = a
	}

	var conn net.Conn
	dial := func(attempt int) error {
		if attempt > 1 {
			cfg.logger.Verbose("remote: retrying %s (attempt %d)", address, attempt)
		}
		c, derr := dialer.DialContext(ctx, network, address)
		if derr != nil {
			if ctx.Err() != nil {
				return retry.Permanent(derr)
			}
			return derr
		}
		conn = c
		return nil
	}

	var err error
	if cfg.backoff != nil {
		err = cfg.backoff.Do(ctx, dial)
	} else {
		err = dial(1)
	}
	if err != nil {
		return nil, errs.Wrap("dial", address, err)
	}

	cfg.logger.Verbose("remote: connected to %s (%s)", conn.RemoteAddr(), network)

	// *net.TCPConn satisfies tube.CloseWriter/CloseReader directly, so
	// TCP tubes get half-close support with no adapter shim.
	tubeOpts := append([]tube.Option{tube.WithLogger(cfg.logger)}, cfg.tubeOpts...)
	return &Remote{
		Tube: tube.New(conn, tubeOpts...),
		conn: conn,
	}, nil
}

// DialTCP connects to host:port over TCP.
func DialTCP(ctx context.Context, host string, port int, opts ...Option) (*Remote, error) {
	return Dial(ctx, "tcp", util.FormatAddr(host, port), opts...)
}

// DialUDP opens a connected UDP socket to host:port.
func DialUDP(ctx context.Context, host string, port int, opts ...Option) (*Remote, error) {
	return Dial(ctx, "udp", util.FormatAddr(host, port), opts...)
}

// RemoteAddr returns the peer address.
func (r *Remote) RemoteAddr() net.Addr { return r.conn.RemoteAddr() }

// LocalAddr returns the local address.
func (r *Remote) LocalAddr() net.Addr { return r.conn.LocalAddr() }
