// Package errors provides domain-specific error types for pwnkit.
//
// These types carry structured context (operation, target, how much data
// was buffered) so callers can distinguish the expected outcomes of
// exploit interaction — a timeout, the peer going away — from genuine
// transport failures that make the tube unusable.
package errors

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	// ErrTimeout means a bounded wait elapsed before the request was
	// satisfied.  Everything read so far stays in the receive buffer.
	ErrTimeout = errors.New("operation timed out")

	// ErrEOF means the peer closed, the process exited, or the channel
	// ended.  Permanent for the tube; already-buffered data remains
	// consumable.
	ErrEOF = errors.New("end of stream")

	// ErrTubeClosed is returned by operations on a tube that was
	// explicitly closed by its owner.
	ErrTubeClosed = errors.New("tube is closed")

	ErrNotConnected    = errors.New("not connected")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrHostKeyMismatch = errors.New("host key mismatch")
)

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure establishing or using a network
// transport.  Construction-time failures (refused connection, failed
// spawn) surface as this type so callers get them synchronously.
type NetworkError struct {
	Op        string // operation: "dial", "spawn", "open", "write", "read"
	Addr      string // target: host:port, executable, device path
	Err       error  // underlying error
	Retryable bool   // whether the caller could plausibly retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TransportError represents an I/O failure mid-stream (broken pipe,
// connection reset).  Fatal for the tube: the core never retries it,
// since a retry would break the byte-ordering guarantee.
type TransportError struct {
	Op       string // "read" or "write"
	Buffered int    // bytes still held in the receive buffer
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s (%d bytes buffered): %v", e.Op, e.Buffered, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "channel", "transfer"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapTransport creates a TransportError recording how much data was
// buffered when the failure happened.
func WrapTransport(op string, buffered int, err error) *TransportError {
	return &TransportError{Op: op, Buffered: buffered, Err: err}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsTimeout reports whether err is (or wraps) a timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsEOF reports whether err signals end-of-stream in any of its usual
// spellings.  io.EOF and io.ErrUnexpectedEOF from the standard library,
// net.ErrClosed from a torn-down socket, and our own sentinels all
// collapse to the same answer: the peer is gone.
func IsEOF(err error) bool {
	return errors.Is(err, ErrEOF) ||
		errors.Is(err, ErrTubeClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use pwnkit/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
