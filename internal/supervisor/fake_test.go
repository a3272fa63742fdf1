package supervisor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

type fakeProcess struct {
	pid     int
	spec    Spec
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
	exitCh  chan int
	once    sync.Once
	killed  atomic.Bool
}

func newFakeProcess(pid int, spec Spec) *fakeProcess {
	p := &fakeProcess{pid: pid, spec: spec, exitCh: make(chan int, 1)}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProcess) Pid() int          { return p.pid }
func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader { return p.stderrR }

func (p *fakeProcess) Wait() (int, error) { return <-p.exitCh, nil }

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exit(-1)
	return nil
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		p.exitCh <- code
	})
}

func (p *fakeProcess) say(line string) {
	_, _ = fmt.Fprintln(p.stdoutW, line)
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProcess
	err   error

	entered chan struct{}
	gate    chan struct{}
}

// holdNext blocks the next Launch until release is closed. entered is
// closed once that Launch is waiting.
func (l *fakeLauncher) holdNext() (entered <-chan struct{}, release chan<- struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entered = make(chan struct{})
	l.gate = make(chan struct{})
	return l.entered, l.gate
}

func (l *fakeLauncher) Launch(_ context.Context, spec Spec) (Process, error) {
	l.mu.Lock()
	entered, gate := l.entered, l.gate
	l.entered, l.gate = nil, nil
	l.mu.Unlock()
	if gate != nil {
		close(entered)
		<-gate
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	p := newFakeProcess(1000+len(l.procs), spec)
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

func (l *fakeLauncher) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}
