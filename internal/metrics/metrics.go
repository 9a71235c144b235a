// Package metrics provides lightweight, lock-free counters for
// tracking the runtime statistics of a tube.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for one tube (or one shared SSH
// connection).  A nil Collector is safe to use — all methods become
// no-ops.
type Collector struct {
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64
	recvOps   atomic.Int64
	sendOps   atomic.Int64
	timeouts  atomic.Int64
	errsTotal atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes read from the transport.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to the transport.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Operation metrics ────────────────────────────────────────────────

// RecvOp records one completed receive call.
func (c *Collector) RecvOp() {
	if c == nil {
		return
	}
	c.recvOps.Add(1)
}

// SendOp records one completed send call.
func (c *Collector) SendOp() {
	if c == nil {
		return
	}
	c.sendOps.Add(1)
}

// RecvOps returns the total number of receive calls.
func (c *Collector) RecvOps() int64 {
	if c == nil {
		return 0
	}
	return c.recvOps.Load()
}

// SendOps returns the total number of send calls.
func (c *Collector) SendOps() int64 {
	if c == nil {
		return 0
	}
	return c.sendOps.Load()
}

// Timeout records a receive call that ended in a timeout.  Timeouts
// are tracked separately from errors because they are an ordinary
// outcome of exploit interaction, not a failure.
func (c *Collector) Timeout() {
	if c == nil {
		return
	}
	c.timeouts.Add(1)
}

// Timeouts returns the total number of timed-out calls.
func (c *Collector) Timeouts() int64 {
	if c == nil {
		return 0
	}
	return c.timeouts.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	BytesIn          int64  `json:"bytes_in"`
	BytesOut         int64  `json:"bytes_out"`
	RecvOps          int64  `json:"recv_ops"`
	SendOps          int64  `json:"send_ops"`
	Timeouts         int64  `json:"timeouts"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:      time.Since(c.startTime).Truncate(time.Second).String(),
		BytesIn:     c.bytesIn.Load(),
		BytesOut:    c.bytesOut.Load(),
		RecvOps:     c.recvOps.Load(),
		SendOps:     c.sendOps.Load(),
		Timeouts:    c.timeouts.Load(),
		ErrorsTotal: c.errsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
