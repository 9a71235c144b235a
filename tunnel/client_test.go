package tunnel

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	errs "pwnkit/internal/errors"
	"pwnkit/tube"
	"pwnkit/util"
)

// TestClient_ConnectRefused verifies that connection failures are
// reported synchronously at connect time.
func TestClient_ConnectRefused(t *testing.T) {
	port, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}

	cfg := &Config{
		User:        "nobody",
		Host:        "127.0.0.1",
		Port:        port,
		Password:    "irrelevant",
		ConnTimeout: 2 * time.Second,
	}
	c := NewClient(cfg, util.NewLogger(0))

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error for closed port")
	}
	if c.IsAlive() {
		t.Error("client should not be alive after failed connect")
	}
}

// TestClient_ConnectCancelled verifies that a cancelled context stops
// the dial.
func TestClient_ConnectCancelled(t *testing.T) {
	cfg := &Config{
		User:        "nobody",
		Host:        "127.0.0.1",
		Port:        1,
		Password:    "irrelevant",
		ConnTimeout: 5 * time.Second,
	}
	c := NewClient(cfg, util.NewLogger(0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.Connect(ctx); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

// TestClient_AuthRejected verifies that an authentication failure is a
// connect-time error, using a throwaway server that always rejects.
func TestClient_AuthRejected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	// Accept and immediately drop the connection: the client sees the
	// handshake fail.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	addr := ln.Addr().(*net.TCPAddr)
	cfg := &Config{
		User:        "nobody",
		Host:        "127.0.0.1",
		Port:        addr.Port,
		Password:    "wrong",
		ConnTimeout: 2 * time.Second,
	}
	c := NewClient(cfg, util.NewLogger(0))

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected handshake failure")
	}
}

// TestClient_OperationsBeforeConnect verifies that channel and forward
// operations fail cleanly on an unconnected client.
func TestClient_OperationsBeforeConnect(t *testing.T) {
	c := NewClient(&Config{User: "u", Host: "h"}, util.NewLogger(0))

	if _, err := c.Process("id"); !errs.Is(err, errs.ErrNotConnected) {
		t.Errorf("Process: err = %v, want ErrNotConnected", err)
	}
	if _, err := c.Shell(); !errs.Is(err, errs.ErrNotConnected) {
		t.Errorf("Shell: err = %v, want ErrNotConnected", err)
	}
	if _, err := c.Dial(context.Background(), "tcp", "127.0.0.1:80"); !errs.Is(err, errs.ErrNotConnected) {
		t.Errorf("Dial: err = %v, want ErrNotConnected", err)
	}
	local := filepath.Join(t.TempDir(), "payload")
	if err := os.WriteFile(local, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := c.Upload(context.Background(), local, "/tmp/x"); !errs.Is(err, errs.ErrNotConnected) {
		t.Errorf("Upload: err = %v, want ErrNotConnected", err)
	}
	if c.OpenChannels() != 0 {
		t.Errorf("OpenChannels = %d, want 0", c.OpenChannels())
	}
}

// TestClient_RegisterAfterTeardownCloses verifies a channel that loses
// the race with teardown is closed on the spot instead of being
// stranded outside the cascade.
func TestClient_RegisterAfterTeardownCloses(t *testing.T) {
	c := NewClient(&Config{User: "u", Host: "h"}, util.NewLogger(0))
	c.teardown() // connection already gone

	conn, peer := net.Pipe()
	defer peer.Close()
	ch := &Channel{client: c, Tube: tube.New(conn)}

	c.register(ch)
	if !ch.IsClosed() {
		t.Error("channel registered after teardown must be closed")
	}
	if c.OpenChannels() != 0 {
		t.Errorf("OpenChannels = %d, want 0", c.OpenChannels())
	}
}

// TestClient_CloseIdempotent verifies Close on a never-connected
// client is safe and repeatable.
func TestClient_CloseIdempotent(t *testing.T) {
	c := NewClient(&Config{User: "u", Host: "h"}, util.NewLogger(0))
	if err := c.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
