// Package child owns the MCP server subprocess: its stdio pipes, its stderr
// and its termination.
package child

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/gaspardpetit/mcp-http-bridge/internal/logx"
)

// Stderr policies.
const (
	StderrLog     = "log"
	StderrDiscard = "discard"
	StderrInherit = "inherit"
)

// DefaultStopTimeout is how long Stop waits after SIGTERM before killing.
const DefaultStopTimeout = 5 * time.Second

var (
	// ErrNotStarted is returned by accessors used before Start.
	ErrNotStarted = errors.New("child process not started")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("child process already started")
)

// Spec describes the executable to launch.
type Spec struct {
	Command     string
	Args        []string
	Env         []string
	Dir         string
	Stderr      string
	StopTimeout time.Duration
}

// Process is a single child process. It is never restarted; create a new
// Process to launch again.
type Process struct {
	spec Spec

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   *os.File
	started  time.Time
	stopping bool

	done     chan struct{}
	waitErr  error
	stopOnce sync.Once
	stopErr  error
}

// New returns an unstarted process for spec.
func New(spec Spec) *Process {
	if spec.StopTimeout <= 0 {
		spec.StopTimeout = DefaultStopTimeout
	}
	if spec.Stderr == "" {
		spec.Stderr = StderrLog
	}
	return &Process{spec: spec, done: make(chan struct{})}
}

// Start launches the executable with stdin and stdout wired through pipes.
// The process is not bound to ctx; use Stop to end it.
func (p *Process) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return ErrAlreadyStarted
	}
	if p.spec.Command == "" {
		return errors.New("child: empty command")
	}

	cmd := exec.Command(p.spec.Command, p.spec.Args...)
	cmd.Dir = p.spec.Dir
	if len(p.spec.Env) > 0 {
		cmd.Env = append(os.Environ(), p.spec.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("child stdin: %w", err)
	}
	// stdout uses an os.Pipe rather than StdoutPipe so Wait does not close
	// the read side while the reader is still draining buffered output.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return fmt.Errorf("child stdout: %w", err)
	}
	cmd.Stdout = stdoutW

	var stderrR, stderrW *os.File
	switch p.spec.Stderr {
	case StderrInherit:
		cmd.Stderr = os.Stderr
	case StderrDiscard:
		cmd.Stderr = nil
	default:
		stderrR, stderrW, err = os.Pipe()
		if err != nil {
			_ = stdin.Close()
			_ = stdoutR.Close()
			_ = stdoutW.Close()
			return fmt.Errorf("child stderr: %w", err)
		}
		cmd.Stderr = stderrW
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		if stderrR != nil {
			_ = stderrR.Close()
			_ = stderrW.Close()
		}
		return fmt.Errorf("start %s: %w", p.spec.Command, err)
	}
	// The child holds its own copies of the write ends.
	_ = stdoutW.Close()
	if stderrR != nil {
		_ = stderrW.Close()
		go logStderr(stderrR, cmd.Process.Pid)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = stdoutR
	p.started = time.Now()
	logx.Log.Info().Str("command", p.spec.Command).Strs("args", p.spec.Args).Int("pid", cmd.Process.Pid).Msg("child process started")

	go p.wait()
	return nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	stopping := p.stopping
	p.waitErr = err
	p.mu.Unlock()
	ev := logx.Log.Info()
	if err != nil && !stopping {
		ev = logx.Log.Warn()
	}
	ev.Err(err).Int("pid", p.cmd.Process.Pid).Msg("child process exited")
	close(p.done)
}

func logStderr(r io.ReadCloser, pid int) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		logx.Log.Warn().Str("stream", "stderr").Int("pid", pid).Msg(scanner.Text())
	}
}

// Stdin returns the child's stdin.
func (p *Process) Stdin() io.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return nil
	}
	return p.stdin
}

// Stdout returns the read side of the child's stdout. It reaches EOF once the
// child exits.
func (p *Process) Stdout() io.Reader {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdout == nil {
		return nil
	}
	return p.stdout
}

// Pid returns the child's pid, or 0 before Start.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// StartedAt returns when the child was launched.
func (p *Process) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Running reports whether the child has been started and has not exited.
func (p *Process) Running() bool {
	p.mu.Lock()
	started := p.cmd != nil
	p.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done is closed once the child has exited. It never closes for a process
// that was not started.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit error once Done is closed.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Stop closes stdin, sends SIGTERM and waits up to the stop timeout before
// killing the child. It is idempotent and a no-op for an unstarted process.
func (p *Process) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { p.stopErr = p.stop(ctx) })
	return p.stopErr
}

func (p *Process) stop(ctx context.Context) error {
	p.mu.Lock()
	cmd := p.cmd
	p.stopping = true
	p.mu.Unlock()
	if cmd == nil {
		return nil
	}
	select {
	case <-p.done:
		return p.release()
	default:
	}

	_ = p.stdin.Close()
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		// Signals other than Kill are unsupported on some platforms.
		_ = cmd.Process.Kill()
	}
	timer := time.NewTimer(p.spec.StopTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		logx.Log.Warn().Int("pid", cmd.Process.Pid).Dur("timeout", p.spec.StopTimeout).Msg("child ignored SIGTERM, killing")
		_ = cmd.Process.Kill()
		<-p.done
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-p.done
	}
	return p.release()
}

// release closes the parent's ends of the pipes.
func (p *Process) release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.stdin.Close()
	if p.stdout != nil {
		if err := p.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			return err
		}
	}
	return nil
}
