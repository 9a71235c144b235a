package tube

// Buffer is the tube's receive buffer: a FIFO byte queue that grows at
// the back as the reader pump appends transport data and shrinks from
// the front as callers consume matched data.  Every byte added is
// either still in the buffer or has been handed to exactly one caller.
//
// Buffer is not safe for concurrent use; the owning Tube serializes
// access with its own lock.
type Buffer struct {
	data []byte
	off  int // consumed prefix of data
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int { return len(b.data) - b.off }

// Bytes returns a view of the unconsumed bytes.  The view is only
// valid until the next mutation; callers must not retain it.
func (b *Buffer) Bytes() []byte { return b.data[b.off:] }

// Add appends a copy of data at the back of the queue.
func (b *Buffer) Add(data []byte) {
	if len(data) == 0 {
		return
	}
	b.compact()
	b.data = append(b.data, data...)
}

// Unget puts a copy of data back at the front of the queue, before
// anything already buffered.
func (b *Buffer) Unget(data []byte) {
	if len(data) == 0 {
		return
	}
	merged := make([]byte, 0, len(data)+b.Len())
	merged = append(merged, data...)
	merged = append(merged, b.data[b.off:]...)
	b.data = merged
	b.off = 0
}

// Get removes and returns up to n bytes from the front.  n < 0 drains
// the whole buffer.  The returned slice is owned by the caller.
func (b *Buffer) Get(n int) []byte {
	avail := b.Len()
	if n < 0 || n > avail {
		n = avail
	}
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, b.data[b.off:b.off+n])
	b.off += n
	b.compact()
	return out
}

// compact reclaims the consumed prefix once it dominates the backing
// array, keeping memory bounded across long sessions.
func (b *Buffer) compact() {
	if b.off == len(b.data) {
		b.data = b.data[:0]
		b.off = 0
		return
	}
	if b.off > 4096 && b.off > len(b.data)/2 {
		n := copy(b.data, b.data[b.off:])
		b.data = b.data[:n]
		b.off = 0
	}
}
