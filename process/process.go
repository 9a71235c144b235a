// Package process spawns a local child process and exposes its
// standard streams as a tube.  The child's stderr is merged into the
// tube by default; closing the tube terminates and reaps the child so
// no zombies are left behind.
package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	errs "pwnkit/internal/errors"
	"pwnkit/tube"
	"pwnkit/util"
)

// DefaultGracePeriod is how long Close waits between SIGTERM and
// SIGKILL for a child that has not exited.
const DefaultGracePeriod = 2 * time.Second

// Option configures a spawn.
type Option func(*config)

type config struct {
	env            []string
	dir            string
	separateStderr bool
	usePTY         bool
	grace          time.Duration
	logger         *util.Logger
	tubeOpts       []tube.Option
}

// WithEnv sets the child's environment (default: inherit).
func WithEnv(env []string) Option {
	return func(c *config) { c.env = env }
}

// WithDir sets the child's working directory.
func WithDir(dir string) Option {
	return func(c *config) { c.dir = dir }
}

// WithSeparateStderr keeps stderr out of the tube; read it via
// [Process.Stderr].
func WithSeparateStderr() Option {
	return func(c *config) { c.separateStderr = true }
}

// WithPTY runs the child under a pseudo-terminal instead of pipes.
// Programs that switch to full buffering on pipes behave line-buffered
// again, at the cost of tty echo and no separate stderr.
func WithPTY() Option {
	return func(c *config) { c.usePTY = true }
}

// WithGracePeriod overrides the SIGTERM-to-SIGKILL delay used by Close.
func WithGracePeriod(d time.Duration) Option {
	return func(c *config) { c.grace = d }
}

// WithLogger attaches a logger to the spawn and the resulting tube.
func WithLogger(l *util.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithTubeOptions forwards options (timeout, newline, metrics) to the
// underlying tube.
func WithTubeOptions(opts ...tube.Option) Option {
	return func(c *config) { c.tubeOpts = append(c.tubeOpts, opts...) }
}

// Process is a tube over a spawned child's standard streams, plus the
// child's lifecycle: liveness, exit status, signals.
type Process struct {
	*tube.Tube

	cmd    *exec.Cmd
	tr     *procTransport
	logger *util.Logger

	exited   chan struct{}
	exitCode int
}

// Start spawns argv[0] with the given arguments and wires its standard
// streams into a tube.  Spawn failures surface here, never on first
// use.  The context bounds the child's whole lifetime: cancelling it
// kills the child.
func Start(ctx context.Context, argv []string, opts ...Option) (*Process, error) {
	if len(argv) == 0 {
		return nil, errs.New("process: empty argv")
	}
	cfg := config{grace: DefaultGracePeriod}
	for _, opt := range opts {
		opt(&cfg)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = cfg.env
	cmd.Dir = cfg.dir

	p := &Process{
		cmd:    cmd,
		logger: cfg.logger,
		exited: make(chan struct{}),
	}
	tr := &procTransport{proc: p, grace: cfg.grace}
	p.tr = tr

	if cfg.usePTY {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return nil, errs.Wrap("spawn", argv[0], err)
		}
		tr.ptmx = ptmx
	} else {
		if err := wirePipes(cmd, tr, cfg.separateStderr); err != nil {
			return nil, errs.Wrap("spawn", argv[0], err)
		}
		if err := cmd.Start(); err != nil {
			tr.closePipes()
			return nil, errs.Wrap("spawn", argv[0], err)
		}
		// Parent copies of the child-side descriptors are no longer
		// needed once the child holds them.
		tr.childStdin.Close()  //nolint:errcheck
		tr.childStdout.Close() //nolint:errcheck
		if tr.childStderr != nil {
			tr.childStderr.Close() //nolint:errcheck
		}
	}

	cfg.logger.Verbose("process: started %q (pid %d)", argv[0], cmd.Process.Pid)

	go p.reap()

	tubeOpts := append([]tube.Option{tube.WithLogger(cfg.logger)}, cfg.tubeOpts...)
	p.Tube = tube.New(tr, tubeOpts...)
	return p, nil
}

// StartShell runs a shell command line via /bin/sh -c.
func StartShell(ctx context.Context, command string, opts ...Option) (*Process, error) {
	return Start(ctx, []string{"/bin/sh", "-c", command}, opts...)
}

// wirePipes builds the pipe pairs by hand instead of using the
// exec.Cmd helpers, so that cmd.Wait can be called from the reaper
// without racing the tube's reader.
func wirePipes(cmd *exec.Cmd, tr *procTransport, separateStderr bool) error {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return err
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return err
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	tr.stdin = stdinW
	tr.stdout = stdoutR
	tr.childStdin = stdinR
	tr.childStdout = stdoutW

	if separateStderr {
		stderrR, stderrW, err := os.Pipe()
		if err != nil {
			tr.closePipes()
			return err
		}
		cmd.Stderr = stderrW
		tr.stderr = stderrR
		tr.childStderr = stderrW
	} else {
		cmd.Stderr = stdoutW
	}
	return nil
}

// reap waits for the child and records its exit status.
func (p *Process) reap() {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			code = ee.ExitCode()
		} else {
			code = -1
		}
	}
	p.exitCode = code
	close(p.exited)
	p.logger.Verbose("process: pid %d exited with status %d", p.cmd.Process.Pid, code)
}

// Alive reports whether the child is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// ExitStatus returns the child's exit code, or (0, false) while it is
// still running.
func (p *Process) ExitStatus() (int, bool) {
	select {
	case <-p.exited:
		return p.exitCode, true
	default:
		return 0, false
	}
}

// Wait blocks until the child exits and returns its exit code.
func (p *Process) Wait() int {
	<-p.exited
	return p.exitCode
}

// Signal delivers sig to the child.
func (p *Process) Signal(sig os.Signal) error {
	if !p.Alive() {
		return errs.ErrNotConnected
	}
	return p.cmd.Process.Signal(sig)
}

// Kill delivers SIGKILL to the child.
func (p *Process) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Stderr returns the child's separate stderr stream when the process
// was started with [WithSeparateStderr]; nil otherwise.
func (p *Process) Stderr() io.ReadCloser {
	if p.tr.stderr == nil {
		return nil // a typed-nil *os.File would compare non-nil
	}
	return p.tr.stderr
}

// ── transport ────────────────────────────────────────────────────────

// procTransport adapts the child's streams to tube.Transport.  Reads
// come from the merged stdout (or the pty master), writes go to stdin.
type procTransport struct {
	proc  *Process
	grace time.Duration

	ptmx *os.File // pty mode: both directions

	stdin  *os.File
	stdout *os.File
	stderr *os.File

	childStdin  *os.File
	childStdout *os.File
	childStderr *os.File

	closeOnce sync.Once
	wmu       sync.Mutex
}

func (tr *procTransport) Read(p []byte) (int, error) {
	if tr.ptmx != nil {
		n, err := tr.ptmx.Read(p)
		// A pty master read fails with EIO once the slave side is
		// gone; that is this transport's end-of-stream.
		if err != nil && err != io.EOF {
			err = io.EOF
		}
		return n, err
	}
	return tr.stdout.Read(p)
}

func (tr *procTransport) Write(p []byte) (int, error) {
	tr.wmu.Lock()
	defer tr.wmu.Unlock()
	if tr.ptmx != nil {
		return tr.ptmx.Write(p)
	}
	return tr.stdin.Write(p)
}

// CloseWrite half-closes the child's stdin, the usual way to tell a
// filter it has seen all input.  Not available in pty mode.
func (tr *procTransport) CloseWrite() error {
	if tr.ptmx != nil {
		return errs.New("process: cannot half-close a pty")
	}
	return tr.stdin.Close()
}

func (tr *procTransport) Alive() bool { return tr.proc.Alive() }

// Close terminates the child if needed (SIGTERM, then SIGKILL after
// the grace period), waits for the reaper, and releases the streams.
func (tr *procTransport) Close() error {
	tr.closeOnce.Do(func() {
		p := tr.proc
		if p.Alive() {
			p.cmd.Process.Signal(syscall.SIGTERM) //nolint:errcheck
			select {
			case <-p.exited:
			case <-time.After(tr.grace):
				p.cmd.Process.Kill() //nolint:errcheck
				<-p.exited
			}
		}
		tr.closePipes()
	})
	return nil
}

func (tr *procTransport) closePipes() {
	for _, f := range []*os.File{
		tr.ptmx, tr.stdin, tr.stdout, tr.stderr,
		tr.childStdin, tr.childStdout, tr.childStderr,
	} {
		if f != nil {
			f.Close() //nolint:errcheck
		}
	}
}
