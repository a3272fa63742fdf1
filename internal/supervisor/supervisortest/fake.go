// Package supervisortest provides in-memory worker processes for tests.
package supervisortest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/szaher/designs/botfleet/internal/supervisor"
)

// Process is a fake worker whose output and exit are driven by the test.
type Process struct {
	pid    int
	spec   supervisor.Spec
	outR   *io.PipeReader
	outW   *io.PipeWriter
	errR   *io.PipeReader
	errW   *io.PipeWriter
	exitCh chan int
	once   sync.Once

	mu     sync.Mutex
	killed bool
}

func (p *Process) Pid() int           { return p.pid }
func (p *Process) Stdout() io.Reader  { return p.outR }
func (p *Process) Stderr() io.Reader  { return p.errR }
func (p *Process) Wait() (int, error) { return <-p.exitCh, nil }

// Kill ends the process with exit code -1.
func (p *Process) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Exit(-1)
	return nil
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Spec is the launch spec the process was started with.
func (p *Process) Spec() supervisor.Spec { return p.spec }

// Exit ends the process with code. Later calls are ignored.
func (p *Process) Exit(code int) {
	p.once.Do(func() {
		_ = p.outW.Close()
		_ = p.errW.Close()
		p.exitCh <- code
	})
}

// Say writes one stdout line. It blocks until the supervisor reads it.
func (p *Process) Say(line string) {
	_, _ = fmt.Fprintln(p.outW, line)
}

// Launcher starts fake processes.
type Launcher struct {
	// Connect makes every process report connected once started.
	Connect bool

	mu    sync.Mutex
	procs []*Process
	err   error
}

// Launch implements supervisor.Launcher.
func (l *Launcher) Launch(_ context.Context, spec supervisor.Spec) (supervisor.Process, error) {
	l.mu.Lock()
	if l.err != nil {
		err := l.err
		l.mu.Unlock()
		return nil, err
	}
	p := &Process{pid: 2000 + len(l.procs), spec: spec, exitCh: make(chan int, 1)}
	p.outR, p.outW = io.Pipe()
	p.errR, p.errW = io.Pipe()
	l.procs = append(l.procs, p)
	connect := l.Connect
	l.mu.Unlock()

	if connect {
		go p.Say(`{"event":"connected"}`)
	}
	return p, nil
}

// SetErr makes later launches fail with err.
func (l *Launcher) SetErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

// Count is the number of launched processes.
func (l *Launcher) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

// Proc returns the i-th launched process.
func (l *Launcher) Proc(i int) *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}
