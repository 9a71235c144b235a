package remote

import (
	"context"
	"net"

	errs "pwnkit/internal/errors"
	"pwnkit/tube"
	"pwnkit/util"
)

// Listener waits for an inbound connection — the receiving end of a
// reverse connection.  Binding happens at construction; accepting is a
// separate, context-bounded step so the caller can trigger the connect
// back in between.
type Listener struct {
	ln     net.Listener
	logger *util.Logger
	opts   []Option
}

// Listen binds host:port (port 0 picks an ephemeral one, host ""
// means all interfaces).  Bind failures surface here.
func Listen(host string, port int, opts ...Option) (*Listener, error) {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	addr := util.FormatAddr(host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errs.Wrap("listen", addr, err)
	}
	cfg.logger.Verbose("remote: listening on %s", ln.Addr())

	return &Listener{ln: ln, logger: cfg.logger, opts: opts}, nil
}

// Addr returns the bound address, useful after binding port 0.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Port returns the bound TCP port.
func (l *Listener) Port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

// Accept blocks until a peer connects and returns the connection as a
// tube.  Cancelling the context closes the listener and unblocks the
// accept.
func (l *Listener) Accept(ctx context.Context) (*Remote, error) {
	cfg := config{}
	for _, opt := range l.opts {
		opt(&cfg)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.ln.Close() //nolint:errcheck
		case <-done:
		}
	}()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.Wrap("accept", l.ln.Addr().String(), err)
	}
	cfg.logger.Verbose("remote: connection from %s", conn.RemoteAddr())

	tubeOpts := append([]tube.Option{tube.WithLogger(cfg.logger)}, cfg.tubeOpts...)
	return &Remote{
		Tube: tube.New(conn, tubeOpts...),
		conn: conn,
	}, nil
}

// Close releases the listening socket.  Tubes already accepted are
// unaffected.
func (l *Listener) Close() error {
	return l.ln.Close()
}
