// Package process spawns the worker with piped stdio and tracks its lifetime.
package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Liveness is the non-blocking probe result for a worker.
type Liveness int

const (
	Running Liveness = iota
	Exited
	Unknown // the probe itself failed
)

func (l Liveness) String() string {
	switch l {
	case Running:
		return "running"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// ErrNoCommand is returned by Start for an empty argv.
var ErrNoCommand = errors.New("process: empty command")

// Process is a running worker. Stdin and Stdout are owned by the caller
// (normally the duplex channel); stderr is drained internally.
type Process struct {
	spec      Spec
	pid       int
	startedAt time.Time
	startTick int64

	stdin  *os.File
	stdout *os.File

	tail     *Tail
	log      *slog.Logger
	errDone  chan struct{}
	waitDone chan struct{}

	mu      sync.Mutex
	exitErr error
}

// Start spawns the worker. Its stdin and stdout are connected through
// os.Pipe so that reaping the child never closes the parent's ends.
func Start(spec Spec, log *slog.Logger) (*Process, error) {
	if len(spec.Argv) == 0 || spec.Argv[0] == "" {
		return nil, ErrNoCommand
	}
	if log == nil {
		log = slog.Default()
	}
	cmd := spec.BuildCommand()

	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		closeAll(inR, inW)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(inR, inW, outR, outW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = inR, outW, errW

	if err := cmd.Start(); err != nil {
		closeAll(inR, inW, outR, outW, errR, errW)
		return nil, fmt.Errorf("spawn %s: %w", spec.Argv[0], err)
	}
	// child ends now belong to the child
	closeAll(inR, outW, errW)

	tailN := spec.TailLines
	if tailN <= 0 {
		tailN = DefaultTailLines
	}
	p := &Process{
		spec:      spec,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		stdin:     inW,
		stdout:    outR,
		tail:      NewTail(tailN),
		log:       log.With("pid", cmd.Process.Pid),
		errDone:   make(chan struct{}),
		waitDone:  make(chan struct{}),
	}
	p.startTick = procStartTime(p.pid)

	go p.pumpStderr(errR)
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.waitDone)
	}()
	p.log.Info("worker spawned", "argv", spec.Argv, "workdir", spec.WorkDir)
	return p, nil
}

func (p *Process) pumpStderr(r *os.File) {
	defer close(p.errDone)
	defer func() { _ = r.Close() }()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		p.tail.Write(line)
		p.log.Debug("worker stderr", "stream", "stderr", "line", line)
		if p.spec.StderrLog != nil {
			_, _ = io.WriteString(p.spec.StderrLog, line+"\n")
		}
	}
}

// PID returns the worker's process id.
func (p *Process) PID() int { return p.pid }

// Stdin is the write end connected to the worker's standard input.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout is the read end connected to the worker's standard output.
func (p *Process) Stdout() io.ReadCloser { return p.stdout }

// Tail returns the recent stderr lines.
func (p *Process) Tail() *Tail { return p.tail }

// Done is closed once the worker has been reaped.
func (p *Process) Done() <-chan struct{} { return p.waitDone }

// ExitErr returns the wait error after Done is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// TryWait probes liveness without blocking.
func (p *Process) TryWait() (Liveness, error) {
	select {
	case <-p.waitDone:
		return Exited, p.ExitErr()
	default:
	}
	alive, err := probeAlive(p.pid)
	if err != nil {
		return Unknown, err
	}
	if !alive {
		return Exited, nil
	}
	// pid reuse guard: the pid must still belong to the process we spawned
	if p.startTick != 0 {
		if now := procStartTime(p.pid); now != 0 && now != p.startTick {
			return Exited, nil
		}
	}
	return Running, nil
}

// Terminate sends SIGTERM to the worker's process group.
func (p *Process) Terminate() error { return terminateGroup(p.pid) }

// Kill forcibly terminates the worker's process group.
func (p *Process) Kill() error { return killGroup(p.pid) }

// Wait blocks until the worker is reaped or d elapses. It reports whether
// the worker exited.
func (p *Process) Wait(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-p.waitDone:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.waitDone:
		return true
	case <-t.C:
		return false
	}
}

// Release closes the parent's pipe ends. It is safe to call repeatedly.
func (p *Process) Release() {
	_ = p.stdin.Close()
	_ = p.stdout.Close()
}

// Describe summarizes the exit for crash reports, including recent stderr.
func (p *Process) Describe() string {
	var s string
	select {
	case <-p.waitDone:
		up := time.Since(p.startedAt).Round(time.Millisecond)
		if err := p.ExitErr(); err != nil {
			s = fmt.Sprintf("worker exited after %s: %s", up, err)
		} else {
			s = fmt.Sprintf("worker exited after %s with status 0", up)
		}
	default:
		s = "worker not running"
	}
	// give the stderr pump a moment to flush the last lines
	select {
	case <-p.errDone:
	case <-time.After(50 * time.Millisecond):
	}
	if tail := p.tail.LastN(5); len(tail) > 0 {
		s += "; stderr: " + strings.Join(tail, " | ")
	}
	return s
}

func closeAll(fs ...*os.File) {
	for _, f := range fs {
		_ = f.Close()
	}
}
