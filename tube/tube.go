// Package tube implements the buffered stream core shared by every
// transport adapter: a Tube wraps a raw byte transport with a receive
// buffer, blocking receive primitives with per-call timeouts, and a
// uniform shutdown discipline.
//
// A tube is single-owner.  It is intended to be driven by one goroutine
// at a time; concurrent receive calls on the same tube have undefined
// buffer interleaving.  The one sanctioned exception is [Tube.Close],
// which may be called from any goroutine and promptly wakes a blocked
// receive.
package tube

import (
	"fmt"
	"sync"
	"time"

	errs "pwnkit/internal/errors"
	"pwnkit/internal/metrics"
	"pwnkit/util"
)

// Transport is the raw byte stream a tube is built over.  Adapters
// implement blocking Read/Write with the usual io semantics: Read
// returns io.EOF (or an equivalent) when the peer is gone, Write
// returns an error once the stream can no longer accept data.
//
// All buffering and timeout logic lives in the Tube; a transport only
// moves bytes.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// CloseWriter is implemented by transports that support half-closing
// the send direction (e.g. *net.TCPConn, a child's stdin pipe).
type CloseWriter interface {
	CloseWrite() error
}

// CloseReader is implemented by transports that can stop the receive
// direction independently of the send direction.
type CloseReader interface {
	CloseRead() error
}

// Aliver is implemented by transports that can report liveness beyond
// "not yet closed" (e.g. a child process that may have exited).
type Aliver interface {
	Alive() bool
}

// Forever disables the deadline: the call blocks until satisfied or
// until the tube reaches end-of-stream.
const Forever time.Duration = -1

// DefaultTimeout applies to tubes constructed without an explicit
// timeout option.
const DefaultTimeout = 10 * time.Second

// State tracks the one-directional lifecycle of a tube.
type State int

const (
	StateOpen State = iota
	StateShutdownWrite
	StateShutdownRead
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateShutdownWrite:
		return "shutdown-write"
	case StateShutdownRead:
		return "shutdown-read"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Direction selects which side of the tube Shutdown affects.
type Direction int

const (
	Send Direction = iota
	Recv
)

// Tube is a buffered, timeout-aware view over a Transport.
type Tube struct {
	tr Transport

	mu      sync.Mutex // guards buf, state, readErr
	buf     Buffer
	state   State
	readErr error // terminal pump error: ErrEOF or *errs.TransportError

	wake      chan struct{} // capacity 1; pulsed by the pump after each append
	closed    chan struct{} // closed exactly once by Close
	closeOnce sync.Once
	pumpDone  chan struct{}

	wmu sync.Mutex // serializes writes

	defTimeout time.Duration
	newline    []byte

	log   *util.Logger
	stats *metrics.Collector
}

// Option configures a Tube at construction.  Configuration is explicit
// and per-instance; there is no process-wide default that changes the
// behavior of unrelated tubes.
type Option func(*Tube)

// WithTimeout sets the default timeout applied to calls that omit a
// per-call timeout.  Use [Forever] to block indefinitely by default.
func WithTimeout(d time.Duration) Option {
	return func(t *Tube) { t.defTimeout = d }
}

// WithNewline overrides the line terminator used by line-oriented
// operations (default "\n").
func WithNewline(nl []byte) Option {
	return func(t *Tube) {
		t.newline = append([]byte(nil), nl...)
	}
}

// WithLogger attaches a logger; traffic is dumped at debug level.
func WithLogger(l *util.Logger) Option {
	return func(t *Tube) { t.log = l }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(t *Tube) { t.stats = c }
}

// New wraps a transport in a Tube and starts its reader pump.  The
// tube owns the transport from this point on; closing the tube closes
// the transport exactly once.
func New(tr Transport, opts ...Option) *Tube {
	t := &Tube{
		tr:         tr,
		wake:       make(chan struct{}, 1),
		closed:     make(chan struct{}),
		pumpDone:   make(chan struct{}),
		defTimeout: DefaultTimeout,
		newline:    []byte("\n"),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.pump()
	return t
}

// Newline returns the configured line terminator.
func (t *Tube) Newline() []byte {
	return append([]byte(nil), t.newline...)
}

// Metrics returns the attached collector (may be nil; a nil collector
// is safe to query).
func (t *Tube) Metrics() *metrics.Collector { return t.stats }

// ── Reader pump ──────────────────────────────────────────────────────

// pump is the only reader of the transport.  It appends everything it
// reads to the receive buffer and records the terminal error when the
// stream ends, waking any blocked receive after each step.
func (t *Tube) pump() {
	defer close(t.pumpDone)

	bp := util.GetBuf()
	defer util.PutBuf(bp)
	chunk := *bp

	for {
		n, err := t.tr.Read(chunk)
		if n > 0 {
			t.mu.Lock()
			t.buf.Add(chunk[:n])
			t.mu.Unlock()
			t.stats.BytesReceived(int64(n))
			t.log.DumpBytes("recv", chunk[:n])
			t.signal()
		}
		if err != nil {
			t.mu.Lock()
			if t.readErr == nil {
				if errs.IsEOF(err) {
					t.readErr = errs.ErrEOF
				} else {
					t.readErr = errs.WrapTransport("read", t.buf.Len(), err)
					t.stats.RecordError(err.Error())
				}
			}
			t.mu.Unlock()
			t.log.Debug("tube: stream ended: %v", err)
			t.signal()
			return
		}
	}
}

// signal pulses the wake channel without blocking.  The channel has
// capacity 1, so a signal raised while no receiver is waiting is not
// lost: the next wait observes it and re-checks the buffer.
func (t *Tube) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// ── Timeout layer ────────────────────────────────────────────────────

// deadline is the per-call wait budget, computed once at call entry so
// a slow trickle of single bytes cannot stretch the effective wait.
type deadline struct {
	timer *time.Timer
	ch    <-chan time.Time
	poll  bool // zero timeout: never block
}

// newDeadline resolves the effective timeout: the per-call override if
// present, the tube default otherwise.  Zero polls, negative blocks
// forever.
func (t *Tube) newDeadline(timeouts []time.Duration) *deadline {
	d := t.defTimeout
	if len(timeouts) > 0 {
		d = timeouts[0]
	}
	switch {
	case d == 0:
		return &deadline{poll: true}
	case d < 0:
		return &deadline{} // nil ch: select blocks forever on it
	default:
		tm := time.NewTimer(d)
		return &deadline{timer: tm, ch: tm.C}
	}
}

func (dl *deadline) stop() {
	if dl.timer != nil {
		dl.timer.Stop()
	}
}

// wait blocks until new data may be available, the deadline elapses,
// or the tube is closed.  A nil return only means "recheck the
// buffer", never "data is guaranteed".
func (t *Tube) wait(dl *deadline) error {
	if dl.poll {
		return errs.ErrTimeout
	}
	select {
	case <-t.wake:
		return nil
	case <-dl.ch:
		return errs.ErrTimeout
	case <-t.closed:
		return nil // state check in the caller turns this into ErrTubeClosed
	}
}

// terminalLocked reports the terminal condition, if any, that a
// receive call should surface when the buffer cannot satisfy it.
// Caller holds t.mu: buffer sufficiency and stream state must be
// observed under the same lock acquisition, or a final chunk appended
// together with end-of-stream could be skipped in favor of the error.
func (t *Tube) terminalLocked() error {
	if t.state == StateClosed {
		return errs.ErrTubeClosed
	}
	return t.readErr
}

// checkReadable is terminalLocked for callers that drain the buffer
// regardless of stream state.  Called with t.mu NOT held.
func (t *Tube) checkReadable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminalLocked()
}

// ── Send side ────────────────────────────────────────────────────────

// Send writes data to the transport.  It may block if the OS send
// buffer is full.  Returns the number of bytes written.
func (t *Tube) Send(data []byte) (int, error) {
	t.mu.Lock()
	st := t.state
	t.mu.Unlock()
	if st == StateClosed || st == StateShutdownWrite {
		return 0, errs.ErrTubeClosed
	}

	t.wmu.Lock()
	n, err := t.tr.Write(data)
	t.wmu.Unlock()

	if n > 0 {
		t.stats.BytesSent(int64(n))
		t.log.DumpBytes("sent", data[:n])
	}
	t.stats.SendOp()
	if err != nil {
		if errs.IsEOF(err) {
			return n, errs.ErrEOF
		}
		t.mu.Lock()
		buffered := t.buf.Len()
		t.mu.Unlock()
		t.stats.RecordError(err.Error())
		return n, errs.WrapTransport("write", buffered, err)
	}
	return n, nil
}

// SendLine sends data followed by the configured newline.
func (t *Tube) SendLine(data []byte) (int, error) {
	line := make([]byte, 0, len(data)+len(t.newline))
	line = append(line, data...)
	line = append(line, t.newline...)
	return t.Send(line)
}

// SendAfter receives until delim appears, then sends data.  The two
// steps are not atomic; tubes are single-owner, so no other caller can
// interleave between them.  Returns the bytes received up to and
// including the delimiter.
func (t *Tube) SendAfter(delim, data []byte, timeout ...time.Duration) ([]byte, error) {
	got, err := t.RecvUntil([][]byte{delim}, false, timeout...)
	if err != nil {
		return got, err
	}
	_, err = t.Send(data)
	return got, err
}

// SendLineAfter is SendAfter with a trailing newline on the sent data.
func (t *Tube) SendLineAfter(delim, data []byte, timeout ...time.Duration) ([]byte, error) {
	got, err := t.RecvUntil([][]byte{delim}, false, timeout...)
	if err != nil {
		return got, err
	}
	_, err = t.SendLine(data)
	return got, err
}

// SendThen sends data, then receives until delim appears.
func (t *Tube) SendThen(delim, data []byte, timeout ...time.Duration) ([]byte, error) {
	if _, err := t.Send(data); err != nil {
		return nil, err
	}
	return t.RecvUntil([][]byte{delim}, false, timeout...)
}

// SendLineThen is SendThen with a trailing newline on the sent data.
func (t *Tube) SendLineThen(delim, data []byte, timeout ...time.Duration) ([]byte, error) {
	if _, err := t.SendLine(data); err != nil {
		return nil, err
	}
	return t.RecvUntil([][]byte{delim}, false, timeout...)
}

// ── Lifecycle ────────────────────────────────────────────────────────

// Shutdown half-closes one direction of the tube.  Shutting down the
// second direction closes the tube entirely.  Transports that cannot
// half-close (no CloseWriter/CloseReader) only get the state change;
// subsequent sends or receives fail locally.
func (t *Tube) Shutdown(dir Direction) error {
	t.mu.Lock()
	st := t.state
	switch {
	case st == StateClosed:
		t.mu.Unlock()
		return nil
	case dir == Send && st == StateShutdownRead,
		dir == Recv && st == StateShutdownWrite:
		t.mu.Unlock()
		return t.Close()
	case dir == Send:
		t.state = StateShutdownWrite
	default:
		t.state = StateShutdownRead
	}
	t.mu.Unlock()

	if dir == Send {
		if cw, ok := t.tr.(CloseWriter); ok {
			return cw.CloseWrite()
		}
		return nil
	}
	if cr, ok := t.tr.(CloseReader); ok {
		return cr.CloseRead()
	}
	return nil
}

// Close transitions the tube to closed, releases the transport, and
// wakes any goroutine blocked inside a receive.  Idempotent.
func (t *Tube) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.state = StateClosed
		t.mu.Unlock()
		close(t.closed)
		err = t.tr.Close()
		t.log.Verbose("tube: closed")
	})
	return err
}

// IsClosed reports whether Close has been called.
func (t *Tube) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateClosed
}

// IsAlive reports whether the tube can still produce data: it is not
// closed, the stream has not ended, and the transport (if it knows)
// considers itself alive.  Buffered data may still be readable after
// IsAlive turns false.
func (t *Tube) IsAlive() bool {
	t.mu.Lock()
	st, rerr := t.state, t.readErr
	t.mu.Unlock()
	if st == StateClosed || rerr != nil {
		return false
	}
	if a, ok := t.tr.(Aliver); ok {
		return a.Alive()
	}
	return true
}

// State returns the current lifecycle state.
func (t *Tube) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
