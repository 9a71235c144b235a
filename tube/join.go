package tube

import (
	"time"

	errs "pwnkit/internal/errors"
)

// ConnectInput pumps the output of other into the input of t: a
// background goroutine receives from other and sends to t until either
// side reaches end-of-stream, then half-closes the two touched
// directions (t's send side, other's receive side).  The returned
// channel closes when the pump exits.
//
// The pump uses the normal recv/send surface, so anything other had
// buffered is forwarded before live traffic.
func (t *Tube) ConnectInput(other *Tube) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			data, err := other.Recv(0, 50*time.Millisecond)
			if len(data) > 0 {
				if _, serr := t.Send(data); serr != nil {
					break
				}
			}
			if err != nil && !errs.IsTimeout(err) {
				break
			}
		}
		t.Shutdown(Send)     //nolint:errcheck
		other.Shutdown(Recv) //nolint:errcheck
	}()
	return done
}

// ConnectOutput pumps the output of t into the input of other.
func (t *Tube) ConnectOutput(other *Tube) <-chan struct{} {
	return other.ConnectInput(t)
}

// ConnectBoth splices two tubes together in both directions.  The
// returned channel closes when both pumps have exited.
func (t *Tube) ConnectBoth(other *Tube) <-chan struct{} {
	a := t.ConnectInput(other)
	b := t.ConnectOutput(other)
	done := make(chan struct{})
	go func() {
		<-a
		<-b
		close(done)
	}()
	return done
}
