package tunnel

import (
	"io"
	"sync"

	"golang.org/x/crypto/ssh"

	errs "pwnkit/internal/errors"
	"pwnkit/tube"
)

// ChannelOption configures a spawned channel.
type ChannelOption func(*channelConfig)

type channelConfig struct {
	pty      bool
	ptyTerm  string
	ptyRows  int
	ptyCols  int
	tubeOpts []tube.Option
}

// WithPTY requests a pseudo-terminal for the remote command or shell.
func WithPTY() ChannelOption {
	return func(c *channelConfig) { c.pty = true }
}

// WithPTYSize sets the terminal type and dimensions used with
// [WithPTY] (default "xterm", 80x40).
func WithPTYSize(term string, rows, cols int) ChannelOption {
	return func(c *channelConfig) {
		c.pty = true
		c.ptyTerm = term
		c.ptyRows = rows
		c.ptyCols = cols
	}
}

// WithTubeOptions forwards options (timeout, newline, metrics) to the
// underlying tube.
func WithTubeOptions(opts ...tube.Option) ChannelOption {
	return func(c *channelConfig) { c.tubeOpts = append(c.tubeOpts, opts...) }
}

// Channel is a tube over one SSH channel: a remote command or an
// interactive shell.  Closing a channel never touches the parent
// connection; closing the connection closes every channel.
type Channel struct {
	*tube.Tube

	client *Client
	id     int
	tr     *chanTransport
}

// Process runs command on the remote host and returns the channel as
// a tube.  Remote stderr is merged into the stream.
func (c *Client) Process(command string, opts ...ChannelOption) (*Channel, error) {
	return c.spawn(command, opts)
}

// Shell starts an interactive login shell on the remote host.  A pty
// is requested implicitly, since most shells are useless without one.
func (c *Client) Shell(opts ...ChannelOption) (*Channel, error) {
	return c.spawn("", append([]ChannelOption{WithPTY()}, opts...))
}

func (c *Client) spawn(command string, opts []ChannelOption) (*Channel, error) {
	cfg := channelConfig{ptyTerm: "xterm", ptyRows: 40, ptyCols: 80}
	for _, opt := range opts {
		opt(&cfg)
	}

	client, err := c.sshClient()
	if err != nil {
		return nil, err
	}

	sess, err := client.NewSession()
	if err != nil {
		return nil, errs.WrapSSH("channel", c.config.Host, c.config.Port, err)
	}

	if cfg.pty {
		modes := ssh.TerminalModes{
			ssh.ECHO:          0,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := sess.RequestPty(cfg.ptyTerm, cfg.ptyRows, cfg.ptyCols, modes); err != nil {
			sess.Close()
			return nil, errs.WrapSSH("channel", c.config.Host, c.config.Port, err)
		}
	}

	// Remote stdout and stderr feed one local pipe so the tube sees a
	// single merged stream, like a process tube does.
	pr, pw := io.Pipe()
	sess.Stdout = pw
	sess.Stderr = pw

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, errs.WrapSSH("channel", c.config.Host, c.config.Port, err)
	}

	if command == "" {
		err = sess.Shell()
	} else {
		err = sess.Start(command)
	}
	if err != nil {
		sess.Close()
		return nil, errs.WrapSSH("channel", c.config.Host, c.config.Port, err)
	}

	tr := &chanTransport{
		sess:   sess,
		stdin:  stdin,
		stdout: pr,
		exited: make(chan struct{}),
	}
	ch := &Channel{client: c, tr: tr}

	// Reap the remote command: when it ends, the pipe delivers EOF to
	// the tube's reader pump.
	go func() {
		werr := sess.Wait()
		if ee, ok := werr.(*ssh.ExitError); ok {
			tr.exitCode = ee.ExitStatus()
		}
		close(tr.exited)
		pw.CloseWithError(io.EOF) //nolint:errcheck
	}()

	if command == "" {
		c.logger.Verbose("ssh: started remote shell")
	} else {
		c.logger.Verbose("ssh: started remote command %q", command)
	}

	tubeOpts := append([]tube.Option{tube.WithLogger(c.logger)}, cfg.tubeOpts...)
	ch.Tube = tube.New(tr, tubeOpts...)

	// Registration comes last: a concurrent teardown cascades Close
	// over registered channels, which needs the embedded tube in place.
	tr.onClose = func() { c.forget(ch.id) }
	c.register(ch)
	return ch, nil
}

// ExitStatus returns the remote command's exit code, or (0, false)
// while it is still running.
func (ch *Channel) ExitStatus() (int, bool) {
	select {
	case <-ch.tr.exited:
		return ch.tr.exitCode, true
	default:
		return 0, false
	}
}

// Wait blocks until the remote command exits and returns its code.
func (ch *Channel) Wait() int {
	<-ch.tr.exited
	return ch.tr.exitCode
}

// ── transport ────────────────────────────────────────────────────────

// chanTransport adapts one ssh.Session to tube.Transport.
type chanTransport struct {
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout *io.PipeReader

	exited   chan struct{}
	exitCode int

	onClose   func()
	closeOnce sync.Once
}

func (tr *chanTransport) Read(p []byte) (int, error)  { return tr.stdout.Read(p) }
func (tr *chanTransport) Write(p []byte) (int, error) { return tr.stdin.Write(p) }

// CloseWrite sends EOF on the channel's stdin, the SSH equivalent of
// half-closing a pipe.
func (tr *chanTransport) CloseWrite() error { return tr.stdin.Close() }

func (tr *chanTransport) Alive() bool {
	select {
	case <-tr.exited:
		return false
	default:
		return true
	}
}

// Close tears down this channel only; the parent connection stays up.
func (tr *chanTransport) Close() error {
	tr.closeOnce.Do(func() {
		tr.sess.Close()   //nolint:errcheck
		tr.stdout.Close() //nolint:errcheck
		if tr.onClose != nil {
			tr.onClose()
		}
	})
	return nil
}
