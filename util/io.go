package util

import (
	"errors"
	"io"
	"net"
)

// CopyPooled copies src to dst with a pooled 32 KiB buffer, avoiding a
// fresh allocation per transfer.  Hot path for file pushes and pulls
// over an SSH channel.
func CopyPooled(dst io.Writer, src io.Reader) (int64, error) {
	buf := GetBuf()
	defer PutBuf(buf)
	return io.CopyBuffer(dst, src, *buf)
}

// IsHarmless reports whether err is an expected teardown artifact (EOF
// or a closed-connection error) rather than a real failure.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
