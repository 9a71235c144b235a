package remote

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	errs "pwnkit/internal/errors"
	"pwnkit/internal/retry"
	"pwnkit/tube"
	"pwnkit/util"
)

// banner serves one connection: sends a greeting, then echoes lines
// back prefixed with "+".
func bannerServer(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() }) //nolint:errcheck

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("220 ready\r\n")) //nolint:errcheck
		buf := make([]byte, 512)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				conn.Write(append([]byte("+"), buf[:n]...)) //nolint:errcheck
			}
			if err != nil {
				return
			}
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

func TestDialTCP_BannerAndEcho(t *testing.T) {
	addr := bannerServer(t)

	r, err := DialTCP(context.Background(), "127.0.0.1", addr.Port,
		WithTubeOptions(tube.WithNewline([]byte("\r\n"))))
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	defer r.Close() //nolint:errcheck

	line, err := r.RecvLine(false, 5*time.Second)
	if err != nil {
		t.Fatalf("RecvLine: %v", err)
	}
	if !bytes.Equal(line, []byte("220 ready")) {
		t.Errorf("banner = %q", line)
	}

	reply, err := r.SendLineThen([]byte("\r\n"), []byte("HELO"), 5*time.Second)
	if err != nil {
		t.Fatalf("SendLineThen: %v", err)
	}
	if !bytes.Equal(reply, []byte("+HELO\r\n")) {
		t.Errorf("reply = %q", reply)
	}
}

func TestDial_QuietServerTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(3 * time.Second) // say nothing
	}()

	r, err := Dial(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer r.Close() //nolint:errcheck

	start := time.Now()
	_, err = r.RecvLine(false, 100*time.Millisecond)
	if !errs.IsTimeout(err) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestDial_ConnectionRefused(t *testing.T) {
	port, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	_, err = DialTCP(context.Background(), "127.0.0.1", port,
		WithDialTimeout(2*time.Second))
	if err == nil {
		t.Fatal("expected connection refused")
	}
	var ne *errs.NetworkError
	if !errs.As(err, &ne) {
		t.Errorf("error type = %T, want *NetworkError", err)
	}
}

func TestDial_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Dial(ctx, "tcp", "127.0.0.1:1"); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestRemote_HalfClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	// Server reads until client EOF, then responds with the byte count.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		total := 0
		buf := make([]byte, 512)
		for {
			n, err := conn.Read(buf)
			total += n
			if err != nil {
				break
			}
		}
		conn.Write([]byte(strconv.Itoa(total) + "\n")) //nolint:errcheck
	}()

	r, err := Dial(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer r.Close() //nolint:errcheck

	if _, err := r.Send([]byte("12345")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// TCP FIN tells the server we are done; the receive side stays up.
	if err := r.Shutdown(tube.Send); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	line, err := r.RecvLine(false, 5*time.Second)
	if err != nil {
		t.Fatalf("RecvLine after half-close: %v", err)
	}
	if !bytes.Equal(line, []byte("5")) {
		t.Errorf("server counted %q bytes, want 5", line)
	}
}

func TestRemote_PeerCloseGivesEOF(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("bye")) //nolint:errcheck
		conn.Close()              //nolint:errcheck
	}()

	r, err := Dial(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer r.Close() //nolint:errcheck

	got, err := r.RecvAll(5 * time.Second)
	if err != nil {
		t.Fatalf("RecvAll: %v", err)
	}
	if !bytes.Equal(got, []byte("bye")) {
		t.Errorf("RecvAll = %q", got)
	}
}

func TestDialUDP_Datagrams(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	// Echo one datagram back reversed.
	go func() {
		buf := make([]byte, 512)
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		rev := make([]byte, n)
		for i := 0; i < n; i++ {
			rev[i] = buf[n-1-i]
		}
		pc.WriteTo(rev, addr) //nolint:errcheck
	}()

	addr := pc.LocalAddr().(*net.UDPAddr)
	r, err := DialUDP(context.Background(), "127.0.0.1", addr.Port)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer r.Close() //nolint:errcheck

	if _, err := r.Send([]byte("abc")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := r.RecvN(3, 5*time.Second)
	if err != nil {
		t.Fatalf("RecvN: %v", err)
	}
	if !bytes.Equal(got, []byte("cba")) {
		t.Errorf("echo = %q, want cba", got)
	}
}

func TestDial_RetryUntilServiceUp(t *testing.T) {
	port, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}

	// The service comes up only after the first attempt has failed.
	go func() {
		time.Sleep(100 * time.Millisecond)
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			return
		}
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("up\n")) //nolint:errcheck
		conn.Close()               //nolint:errcheck
	}()

	r, err := DialTCP(context.Background(), "127.0.0.1", port,
		WithRetry(&retry.Backoff{
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     200 * time.Millisecond,
			MaxAttempts:  20,
		}))
	if err != nil {
		t.Fatalf("retried dial failed: %v", err)
	}
	defer r.Close() //nolint:errcheck

	line, err := r.RecvLine(false, 5*time.Second)
	if err != nil {
		t.Fatalf("RecvLine: %v", err)
	}
	if !bytes.Equal(line, []byte("up")) {
		t.Errorf("line = %q", line)
	}
}

func TestRemote_Addrs(t *testing.T) {
	addr := bannerServer(t)
	r, err := DialTCP(context.Background(), "127.0.0.1", addr.Port)
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	defer r.Close() //nolint:errcheck

	if got := r.RemoteAddr().(*net.TCPAddr).Port; got != addr.Port {
		t.Errorf("RemoteAddr port = %d, want %d", got, addr.Port)
	}
	if r.LocalAddr() == nil {
		t.Error("LocalAddr = nil")
	}
}
