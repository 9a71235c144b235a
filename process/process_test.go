package process

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	errs "pwnkit/internal/errors"
	"pwnkit/tube"
)

func startCat(t *testing.T, opts ...Option) *Process {
	t.Helper()
	p, err := Start(context.Background(), []string{"/bin/cat"}, opts...)
	if err != nil {
		t.Fatalf("start cat: %v", err)
	}
	t.Cleanup(func() { p.Close() }) //nolint:errcheck
	return p
}

func TestProcess_EchoRoundTrip(t *testing.T) {
	p := startCat(t)

	if _, err := p.SendLine([]byte("hello")); err != nil {
		t.Fatalf("SendLine: %v", err)
	}
	got, err := p.RecvLine(false, 5*time.Second)
	if err != nil {
		t.Fatalf("RecvLine: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Errorf("RecvLine = %q", got)
	}
}

func TestProcess_BinarySafe(t *testing.T) {
	p := startCat(t)

	// Includes NUL, newline and high bytes; cat must pass all of it.
	payload := []byte{0x00, 0x0a, 0xff, 0x41, 0x0a, 0x00}
	if _, err := p.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := p.RecvN(len(payload), 5*time.Second)
	if err != nil {
		t.Fatalf("RecvN: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round-trip = %x, want %x", got, payload)
	}
}

func TestProcess_ShutdownSendDrains(t *testing.T) {
	p := startCat(t)

	if _, err := p.Send([]byte("final")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// Half-closing stdin makes cat emit everything and exit.
	if err := p.Shutdown(tube.Send); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got, err := p.RecvAll(5 * time.Second)
	if err != nil {
		t.Fatalf("RecvAll: %v", err)
	}
	if !bytes.Equal(got, []byte("final")) {
		t.Errorf("RecvAll = %q", got)
	}
	if code := p.Wait(); code != 0 {
		t.Errorf("exit code = %d", code)
	}
}

func TestProcess_ShellCommand(t *testing.T) {
	p, err := StartShell(context.Background(), "echo hi")
	if err != nil {
		t.Fatalf("StartShell: %v", err)
	}
	defer p.Close() //nolint:errcheck

	got, err := p.RecvLine(false, 5*time.Second)
	if err != nil {
		t.Fatalf("RecvLine: %v", err)
	}
	if !bytes.Equal(got, []byte("hi")) {
		t.Errorf("output = %q", got)
	}
}

func TestProcess_ExitStatus(t *testing.T) {
	p, err := StartShell(context.Background(), "exit 3")
	if err != nil {
		t.Fatalf("StartShell: %v", err)
	}
	defer p.Close() //nolint:errcheck

	if code := p.Wait(); code != 3 {
		t.Errorf("Wait = %d, want 3", code)
	}
	code, done := p.ExitStatus()
	if !done || code != 3 {
		t.Errorf("ExitStatus = %d, %v", code, done)
	}
	if p.Alive() {
		t.Error("Alive after exit")
	}
}

func TestProcess_ExitStatusWhileRunning(t *testing.T) {
	p := startCat(t)
	if _, done := p.ExitStatus(); done {
		t.Error("ExitStatus reported done for a running child")
	}
	if !p.Alive() {
		t.Error("Alive = false for a running child")
	}
	if !p.IsAlive() {
		t.Error("tube IsAlive = false for a running child")
	}
	if p.Pid() <= 0 {
		t.Errorf("Pid = %d", p.Pid())
	}
}

func TestProcess_SpawnFailure(t *testing.T) {
	_, err := Start(context.Background(), []string{"/nonexistent/definitely-not-here"})
	if err == nil {
		t.Fatal("expected spawn error")
	}
	if _, err := Start(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty argv")
	}
}

func TestProcess_EOFAfterChildExits(t *testing.T) {
	p, err := StartShell(context.Background(), "printf last")
	if err != nil {
		t.Fatalf("StartShell: %v", err)
	}
	defer p.Close() //nolint:errcheck

	got, err := p.RecvN(4, 5*time.Second)
	if err != nil {
		t.Fatalf("RecvN: %v", err)
	}
	if !bytes.Equal(got, []byte("last")) {
		t.Errorf("output = %q", got)
	}
	if _, err := p.Recv(0, 5*time.Second); !errs.IsEOF(err) {
		t.Errorf("err after exit = %v, want end-of-stream", err)
	}
}

func TestProcess_SeparateStderr(t *testing.T) {
	p, err := StartShell(context.Background(), "echo out; echo err >&2",
		WithSeparateStderr())
	if err != nil {
		t.Fatalf("StartShell: %v", err)
	}
	defer p.Close() //nolint:errcheck

	got, err := p.RecvLine(false, 5*time.Second)
	if err != nil {
		t.Fatalf("RecvLine: %v", err)
	}
	if !bytes.Equal(got, []byte("out")) {
		t.Errorf("stdout line = %q", got)
	}

	p.Wait()
	stderr, err := io.ReadAll(p.Stderr())
	if err != nil {
		t.Fatalf("read stderr: %v", err)
	}
	if !bytes.Equal(stderr, []byte("err\n")) {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestProcess_MergedStderrByDefault(t *testing.T) {
	p, err := StartShell(context.Background(), "echo only-err >&2")
	if err != nil {
		t.Fatalf("StartShell: %v", err)
	}
	defer p.Close() //nolint:errcheck

	got, err := p.RecvLine(false, 5*time.Second)
	if err != nil {
		t.Fatalf("RecvLine: %v", err)
	}
	if !bytes.Equal(got, []byte("only-err")) {
		t.Errorf("merged line = %q", got)
	}
	if p.Stderr() != nil {
		t.Error("Stderr() should be nil without WithSeparateStderr")
	}
}

func TestProcess_EnvAndDir(t *testing.T) {
	dir := t.TempDir()
	p, err := StartShell(context.Background(), "echo $MARKER; pwd",
		WithEnv([]string{"MARKER=mark123"}), WithDir(dir))
	if err != nil {
		t.Fatalf("StartShell: %v", err)
	}
	defer p.Close() //nolint:errcheck

	got, err := p.RecvLine(false, 5*time.Second)
	if err != nil {
		t.Fatalf("marker line: %v", err)
	}
	if !bytes.Equal(got, []byte("mark123")) {
		t.Errorf("marker = %q", got)
	}
	got, err = p.RecvLine(false, 5*time.Second)
	if err != nil {
		t.Fatalf("pwd line: %v", err)
	}
	// pwd may resolve symlinks (e.g. /tmp on macOS); compare the base.
	if filepath.Base(string(got)) != filepath.Base(dir) {
		t.Errorf("pwd = %q, want dir %q", got, dir)
	}
}

func TestProcess_Signal(t *testing.T) {
	p := startCat(t)
	if err := p.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	done := make(chan int, 1)
	go func() { done <- p.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("child did not die on SIGTERM")
	}
	if err := p.Signal(syscall.SIGTERM); !errs.Is(err, errs.ErrNotConnected) {
		t.Errorf("Signal after exit: err = %v", err)
	}
}

func TestProcess_CloseReapsChild(t *testing.T) {
	p, err := Start(context.Background(), []string{"/bin/cat"},
		WithGracePeriod(200*time.Millisecond))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	start := time.Now()
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Close took %v", elapsed)
	}
	if p.Alive() {
		t.Error("child still alive after Close")
	}
	// Close again is a no-op.
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestProcess_ContextCancelKillsChild(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p, err := Start(ctx, []string{"/bin/cat"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Close() //nolint:errcheck

	cancel()
	done := make(chan int, 1)
	go func() { done <- p.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("context cancel did not kill the child")
	}
}

func TestProcess_PTYMode(t *testing.T) {
	if _, err := os.Stat("/dev/ptmx"); err != nil {
		t.Skip("no pty support on this system")
	}

	p, err := StartShell(context.Background(), "stty -echo 2>/dev/null; echo ready",
		WithPTY())
	if err != nil {
		t.Fatalf("StartShell pty: %v", err)
	}
	defer p.Close() //nolint:errcheck

	// Under a pty the line terminator is \r\n.
	got, err := p.RecvUntil([][]byte{[]byte("ready")}, false, 5*time.Second)
	if err != nil {
		t.Fatalf("RecvUntil: %v", err)
	}
	if !bytes.HasSuffix(got, []byte("ready")) {
		t.Errorf("pty output = %q", got)
	}

	// Half-close is meaningless on a pty and must say so.
	if err := p.Shutdown(tube.Send); err == nil {
		t.Error("Shutdown(Send) on a pty should fail")
	}
}
