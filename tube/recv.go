package tube

import (
	"bytes"
	"regexp"
	"time"

	errs "pwnkit/internal/errors"
)

// The receive family shares one shape: serve from the buffer when it
// already satisfies the request, otherwise wait for the pump to append
// more, re-checking after every wakeup, with the deadline fixed at call
// entry.  On timeout nothing is consumed — every byte read so far is
// still in the buffer for the next call.

// Recv returns up to max already-buffered bytes without blocking if
// the buffer is non-empty; otherwise it waits (bounded by the timeout)
// for at least one transport read and returns what arrives, which may
// be less than max.  max <= 0 means "whatever is available".
//
// Returns [errs.ErrTimeout] if no data arrives in time, and an
// end-of-stream or transport error once the buffer is empty and the
// stream has ended.
func (t *Tube) Recv(max int, timeout ...time.Duration) ([]byte, error) {
	if max <= 0 {
		max = -1 // Buffer.Get drain
	}
	dl := t.newDeadline(timeout)
	defer dl.stop()

	for {
		t.mu.Lock()
		if t.buf.Len() > 0 {
			data := t.buf.Get(max)
			t.mu.Unlock()
			t.stats.RecvOp()
			return data, nil
		}
		err := t.terminalLocked()
		t.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if err := t.wait(dl); err != nil {
			t.stats.Timeout()
			return nil, err
		}
	}
}

// RecvN blocks until at least n bytes are buffered, then returns
// exactly n, leaving the remainder buffered.  If the stream ends with
// fewer than n bytes available the error is end-of-stream, not a
// timeout; partially received bytes stay buffered either way.
func (t *Tube) RecvN(n int, timeout ...time.Duration) ([]byte, error) {
	if n < 0 {
		return nil, errs.New("tube: negative byte count")
	}
	dl := t.newDeadline(timeout)
	defer dl.stop()

	for {
		t.mu.Lock()
		if t.buf.Len() >= n {
			data := t.buf.Get(n)
			t.mu.Unlock()
			t.stats.RecvOp()
			return data, nil
		}
		err := t.terminalLocked()
		t.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if err := t.wait(dl); err != nil {
			t.stats.Timeout()
			return nil, err
		}
	}
}

// RecvUntil accumulates data until one of the delimiter sequences
// appears, and returns everything up to and including the delimiter
// (excluding it when drop is true).  Data after the delimiter stays
// buffered.
//
// Matching is leftmost-earliest: the candidate whose match starts
// first wins; ties go to the delimiter listed first.  Only the suffix
// of the buffer that could contain a new match is rescanned after each
// transport read, so total scan work stays linear in the bytes
// received.
func (t *Tube) RecvUntil(delims [][]byte, drop bool, timeout ...time.Duration) ([]byte, error) {
	maxLen := 0
	for _, d := range delims {
		if len(d) == 0 {
			return nil, errs.New("tube: empty delimiter")
		}
		if len(d) > maxLen {
			maxLen = len(d)
		}
	}
	if maxLen == 0 {
		return nil, errs.New("tube: no delimiters")
	}

	dl := t.newDeadline(timeout)
	defer dl.stop()

	scanned := 0 // prefix of the buffer already known not to contain a match end
	for {
		t.mu.Lock()
		view := t.buf.Bytes()
		if len(view) > scanned {
			from := scanned - (maxLen - 1)
			if from < 0 {
				from = 0
			}
			if pos, dlen := findEarliest(view, from, delims); pos >= 0 {
				data := t.buf.Get(pos + dlen)
				t.mu.Unlock()
				t.stats.RecvOp()
				if drop {
					data = data[:pos]
				}
				return data, nil
			}
			scanned = len(view)
		}
		err := t.terminalLocked()
		t.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if err := t.wait(dl); err != nil {
			t.stats.Timeout()
			return nil, err
		}
	}
}

// findEarliest locates the leftmost match of any delimiter starting at
// or after from.  Returns the match start and the delimiter length, or
// (-1, 0).  Strict < keeps specification order on position ties.
func findEarliest(view []byte, from int, delims [][]byte) (int, int) {
	best, bestLen := -1, 0
	for _, d := range delims {
		idx := bytes.Index(view[from:], d)
		if idx < 0 {
			continue
		}
		pos := from + idx
		if best < 0 || pos < best {
			best, bestLen = pos, len(d)
		}
	}
	return best, bestLen
}

// RecvLine receives up to and including the next newline.  The
// terminator is stripped unless keep is true.
func (t *Tube) RecvLine(keep bool, timeout ...time.Duration) ([]byte, error) {
	return t.RecvUntil([][]byte{t.newline}, !keep, timeout...)
}

// RecvLinePred reads and drops lines until pred returns true for one
// (evaluated without its terminator), then returns that line.  On
// timeout or end-of-stream the dropped lines are restored to the
// buffer, so nothing is lost on failure.
//
// The deadline covers the whole call: each inner line read gets the
// budget remaining, so a trickle of non-matching lines cannot keep the
// call alive past it.
func (t *Tube) RecvLinePred(pred func(line []byte) bool, keep bool, timeout ...time.Duration) ([]byte, error) {
	budget := t.defTimeout
	if len(timeout) > 0 {
		budget = timeout[0]
	}
	var expires time.Time
	if budget > 0 {
		expires = time.Now().Add(budget)
	}

	var skipped []byte
	for {
		remaining := budget
		if budget > 0 {
			remaining = time.Until(expires)
			if remaining <= 0 {
				t.Unget(skipped)
				t.stats.Timeout()
				return nil, errs.ErrTimeout
			}
		}
		line, err := t.RecvLine(true, remaining)
		if err != nil {
			t.Unget(skipped)
			return nil, err
		}
		bare := bytes.TrimSuffix(line, t.newline)
		if pred(bare) {
			if keep {
				return line, nil
			}
			return bare, nil
		}
		skipped = append(skipped, line...)
	}
}

// RecvLineStartsWith returns the first line starting with one of the
// given prefixes, discarding lines before it.
func (t *Tube) RecvLineStartsWith(prefixes [][]byte, keep bool, timeout ...time.Duration) ([]byte, error) {
	return t.RecvLinePred(func(line []byte) bool {
		for _, p := range prefixes {
			if bytes.HasPrefix(line, p) {
				return true
			}
		}
		return false
	}, keep, timeout...)
}

// RecvLineEndsWith returns the first line ending with one of the given
// suffixes, discarding lines before it.
func (t *Tube) RecvLineEndsWith(suffixes [][]byte, keep bool, timeout ...time.Duration) ([]byte, error) {
	return t.RecvLinePred(func(line []byte) bool {
		for _, s := range suffixes {
			if bytes.HasSuffix(line, s) {
				return true
			}
		}
		return false
	}, keep, timeout...)
}

// RecvPred grows the received data one byte at a time until pred
// returns true for the accumulated bytes, then returns them.  On
// timeout or end-of-stream everything consumed is restored to the
// buffer.
func (t *Tube) RecvPred(pred func(data []byte) bool, timeout ...time.Duration) ([]byte, error) {
	dl := t.newDeadline(timeout)
	defer dl.stop()

	var data []byte
	for {
		t.mu.Lock()
		for t.buf.Len() > 0 {
			data = append(data, t.buf.Get(1)...)
			if pred(data) {
				t.mu.Unlock()
				t.stats.RecvOp()
				return data, nil
			}
		}
		err := t.terminalLocked()
		t.mu.Unlock()
		if err != nil {
			t.Unget(data)
			return nil, err
		}
		if err := t.wait(dl); err != nil {
			t.stats.Timeout()
			t.Unget(data)
			return nil, err
		}
	}
}

// RecvRegex grows the buffer until re matches it, then consumes and
// returns everything up to and including the end of the first match.
// Semantics otherwise follow RecvUntil: leftover data stays buffered
// and a timeout loses nothing.
func (t *Tube) RecvRegex(re *regexp.Regexp, timeout ...time.Duration) ([]byte, error) {
	dl := t.newDeadline(timeout)
	defer dl.stop()

	for {
		t.mu.Lock()
		if view := t.buf.Bytes(); len(view) > 0 {
			if loc := re.FindIndex(view); loc != nil {
				data := t.buf.Get(loc[1])
				t.mu.Unlock()
				t.stats.RecvOp()
				return data, nil
			}
		}
		err := t.terminalLocked()
		t.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if err := t.wait(dl); err != nil {
			t.stats.Timeout()
			return nil, err
		}
	}
}

// RecvRepeat keeps reading until the timeout elapses or the stream
// ends, then returns everything collected, previously buffered data
// included.  Unlike the other receives it never fails on timeout: the
// timeout is the stop condition.
func (t *Tube) RecvRepeat(timeout time.Duration) []byte {
	dl := t.newDeadline([]time.Duration{timeout})
	defer dl.stop()

	for {
		if err := t.checkReadable(); err != nil {
			break
		}
		if err := t.wait(dl); err != nil {
			break
		}
	}
	t.mu.Lock()
	data := t.buf.Get(-1)
	t.mu.Unlock()
	if len(data) > 0 {
		t.stats.RecvOp()
	}
	return data
}

// RecvAll drains the tube until end-of-stream and returns everything
// received, including previously buffered data.  There is no "not
// enough data" failure; the only returned errors are transport
// failures, and even then the collected data is returned alongside.
// An optional timeout bounds the total drain.
func (t *Tube) RecvAll(timeout ...time.Duration) ([]byte, error) {
	to := []time.Duration{Forever}
	if len(timeout) > 0 {
		to = timeout
	}
	dl := t.newDeadline(to)
	defer dl.stop()

	for {
		err := t.checkReadable()
		if err != nil {
			t.mu.Lock()
			data := t.buf.Get(-1)
			t.mu.Unlock()
			t.stats.RecvOp()
			if errs.Is(err, errs.ErrEOF) || errs.Is(err, errs.ErrTubeClosed) {
				return data, nil
			}
			return data, err
		}
		if werr := t.wait(dl); werr != nil {
			t.mu.Lock()
			data := t.buf.Get(-1)
			t.mu.Unlock()
			t.stats.Timeout()
			return data, werr
		}
	}
}

// Clean discards whatever is buffered or already in flight by draining
// for a short window (50ms if zero).  Returns the discarded bytes for
// inspection.
func (t *Tube) Clean(window time.Duration) []byte {
	if window <= 0 {
		window = 50 * time.Millisecond
	}
	return t.RecvRepeat(window)
}

// Unget puts data back at the front of the receive buffer, to be
// returned by the next receive call.
func (t *Tube) Unget(data []byte) {
	if len(data) == 0 {
		return
	}
	t.mu.Lock()
	t.buf.Unget(data)
	t.mu.Unlock()
	t.signal()
}

// CanRecv reports whether data is available within the timeout (zero
// by default: an immediate check of the buffer).
func (t *Tube) CanRecv(timeout ...time.Duration) bool {
	t.mu.Lock()
	buffered := t.buf.Len() > 0
	t.mu.Unlock()
	if buffered {
		return true
	}
	to := []time.Duration{0}
	if len(timeout) > 0 {
		to = timeout
	}
	dl := t.newDeadline(to)
	defer dl.stop()
	if err := t.wait(dl); err != nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.Len() > 0
}

// Buffered returns the number of bytes currently in the receive
// buffer.
func (t *Tube) Buffered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.Len()
}
