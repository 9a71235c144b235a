package tube

import (
	"bytes"
	"io"
	"os"
	"os/signal"
	"time"

	"golang.org/x/term"

	errs "pwnkit/internal/errors"
)

// DefaultEscape is the detach byte for interactive sessions: Ctrl-],
// the same escape telnet uses.
const DefaultEscape byte = 0x1d

// InteractiveOption configures an interactive session.
type InteractiveOption func(*interactiveConfig)

type interactiveConfig struct {
	in     io.Reader
	out    io.Writer
	escape byte
	noRaw  bool
}

// WithStdio overrides the terminal endpoints (default os.Stdin and
// os.Stdout).  Mainly for tests; raw mode is skipped for non-files.
func WithStdio(in io.Reader, out io.Writer) InteractiveOption {
	return func(c *interactiveConfig) {
		c.in = in
		c.out = out
	}
}

// WithEscape changes the detach byte (default Ctrl-]).  Zero disables
// detaching by key; only end-of-stream ends the session.
func WithEscape(b byte) InteractiveOption {
	return func(c *interactiveConfig) { c.escape = b }
}

// WithoutRawMode leaves the controlling terminal in its normal cooked
// mode: line-buffered input with local echo.
func WithoutRawMode() InteractiveOption {
	return func(c *interactiveConfig) { c.noRaw = true }
}

// Interactive bridges the controlling terminal to the tube until the
// stream ends or the user presses the escape byte.  Two pumps run
// concurrently: one forwards terminal input to Send, one forwards Recv
// output to the terminal, so remote output appears even while the user
// is mid-keystroke.  Both pumps go through the normal recv/send
// surface and therefore through the receive buffer.
//
// The terminal is put in raw mode when stdin is a terminal, and
// restored on every exit path.  In raw mode control bytes (Ctrl-C
// included) are forwarded to the remote end rather than interpreted
// locally.
//
// Interactive never closes the tube; detaching returns control to the
// caller, who decides what happens next.  A keystroke read that is in
// flight when the remote side hangs up cannot be interrupted portably;
// that one read is abandoned and its bytes discarded.
func (t *Tube) Interactive(opts ...InteractiveOption) error {
	cfg := interactiveConfig{
		in:     os.Stdin,
		out:    os.Stdout,
		escape: DefaultEscape,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if !cfg.noRaw {
		if f, ok := cfg.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			oldState, err := term.MakeRaw(int(f.Fd()))
			if err != nil {
				return errs.Wrap("rawmode", f.Name(), err)
			}
			defer term.Restore(int(f.Fd()), oldState) //nolint:errcheck
		}
	}

	// While attached, a local SIGINT goes to the remote end as Ctrl-C
	// instead of killing this process.  Raw mode already delivers the
	// keystroke as a plain 0x03; this covers cooked mode and signals
	// raised from outside the terminal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	sigDone := make(chan struct{})
	defer close(sigDone)
	go func() {
		for {
			select {
			case <-sigCh:
				t.Send([]byte{0x03}) //nolint:errcheck
			case <-sigDone:
				return
			}
		}
	}()

	t.log.Info("switching to interactive mode")

	done := make(chan struct{})
	errCh := make(chan error, 2)
	closeDone := func() {
		select {
		case <-done:
		default:
			close(done)
		}
	}

	// Terminal input arrives on a channel so the forwarding pump can
	// observe cancellation while no key has been pressed.
	input := make(chan []byte)
	go func() {
		defer close(input)
		buf := make([]byte, 1024)
		for {
			n, err := cfg.in.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case input <- chunk:
				case <-done:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// input → tube
	go func() {
		defer closeDone()
		for {
			select {
			case chunk, ok := <-input:
				if !ok {
					errCh <- nil
					return
				}
				if cfg.escape != 0 {
					if i := bytes.IndexByte(chunk, cfg.escape); i >= 0 {
						if i > 0 {
							t.Send(chunk[:i]) //nolint:errcheck
						}
						t.log.Info("detached")
						errCh <- nil
						return
					}
				}
				if _, err := t.Send(chunk); err != nil {
					if errs.IsEOF(err) {
						err = nil
					}
					errCh <- err
					return
				}
			case <-done:
				errCh <- nil
				return
			}
		}
	}()

	// tube → output.  Short receive timeouts keep the pump responsive
	// to cancellation without busy-waiting.
	for {
		select {
		case <-done:
			return <-errCh
		default:
		}
		data, err := t.Recv(0, 50*time.Millisecond)
		if len(data) > 0 {
			if _, werr := cfg.out.Write(data); werr != nil {
				closeDone()
				return werr
			}
		}
		if err != nil {
			if errs.IsTimeout(err) {
				continue
			}
			closeDone()
			if errs.IsEOF(err) {
				t.log.Info("got end-of-stream in interactive mode")
				return nil
			}
			return err
		}
	}
}
