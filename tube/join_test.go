package tube

import (
	"bytes"
	"testing"
	"time"
)

func TestConnectInput(t *testing.T) {
	// source's peer feeds data; sink's peer observes what arrives.
	source, srcPeer := pipeTube(t)
	sink, sinkPeer := pipeTube(t)

	got := make(chan []byte, 1)
	go func() {
		var collected []byte
		buf := make([]byte, 64)
		for {
			n, err := sinkPeer.Read(buf)
			collected = append(collected, buf[:n]...)
			if err != nil || bytes.Contains(collected, []byte("!")) {
				got <- collected
				return
			}
		}
	}()

	done := sink.ConnectInput(source)

	srcPeer.Write([]byte("spliced!")) //nolint:errcheck

	select {
	case data := <-got:
		if !bytes.Equal(data, []byte("spliced!")) {
			t.Errorf("sink peer saw %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("data never crossed the splice")
	}

	// Ending the source stream stops the pump and half-closes both
	// touched directions.
	srcPeer.Close() //nolint:errcheck
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not exit after source EOF")
	}
	if st := sink.State(); st != StateShutdownWrite && st != StateClosed {
		t.Errorf("sink state = %v, want shutdown-write", st)
	}
}

func TestConnectInput_ForwardsBufferedData(t *testing.T) {
	source, srcPeer := pipeTube(t)
	sink, sinkPeer := pipeTube(t)

	// Data buffered before the splice is attached must still cross it.
	srcPeer.Write([]byte("early")) //nolint:errcheck
	source.CanRecv(time.Second)

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := sinkPeer.Read(buf)
		got <- buf[:n]
	}()

	sink.ConnectInput(source)

	select {
	case data := <-got:
		if !bytes.Equal(data, []byte("early")) {
			t.Errorf("forwarded %q, want early", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("buffered data was not forwarded")
	}
}

func TestConnectBoth(t *testing.T) {
	a, aPeer := pipeTube(t)
	b, bPeer := pipeTube(t)

	// Echo everything b's peer receives straight back.
	go func() {
		buf := make([]byte, 64)
		for {
			n, err := bPeer.Read(buf)
			if n > 0 {
				bPeer.Write(buf[:n]) //nolint:errcheck
			}
			if err != nil {
				return
			}
		}
	}()

	done := a.ConnectBoth(b)

	aPeer.Write([]byte("ping\n")) //nolint:errcheck

	// The echo comes back through the splice to a's peer.
	buf := make([]byte, 64)
	aPeer.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	n, err := aPeer.Read(buf)
	if err != nil {
		t.Fatalf("echo never returned: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("ping\n")) {
		t.Errorf("echo = %q", buf[:n])
	}

	aPeer.Close() //nolint:errcheck
	bPeer.Close() //nolint:errcheck
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("splice pumps did not exit")
	}
}

func TestConnectOutput(t *testing.T) {
	a, aPeer := pipeTube(t)
	b, bPeer := pipeTube(t)

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := bPeer.Read(buf)
		got <- buf[:n]
	}()

	a.ConnectOutput(b)
	aPeer.Write([]byte("downstream")) //nolint:errcheck

	select {
	case data := <-got:
		if !bytes.Equal(data, []byte("downstream")) {
			t.Errorf("b peer saw %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("output splice did not forward")
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	tb, peer := pipeTube(t)
	feed(t, peer, []byte{0x00, 0xff, 0x0a, 0x00})
	got, err := tb.RecvN(4, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0x00, 0xff, 0x0a, 0x00}) {
		t.Errorf("binary round-trip = %x", got)
	}
}
