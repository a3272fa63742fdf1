// Package supervisor runs one worker process per paired session and keeps
// it alive across crashes, stuck handshakes and disconnects.
package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/szaher/designs/botfleet/internal/credentials"
	"github.com/szaher/designs/botfleet/internal/events"
	"github.com/szaher/designs/botfleet/internal/session"
	"github.com/szaher/designs/botfleet/internal/telemetry"
)

var (
	// ErrNoWorker is returned by Stop when nothing runs for the session.
	ErrNoWorker = errors.New("no worker running")
	// ErrNoCredentials is returned by Start for sessions that are not paired.
	ErrNoCredentials = errors.New("session has no credentials")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("supervisor is shut down")
	// ErrStopped is returned by Start when Stop was called while the worker
	// was being launched.
	ErrStopped = errors.New("worker stop requested")
)

// Config tunes supervision.
type Config struct {
	// StuckAfter is how long a worker may run without reporting connected.
	StuckAfter time.Duration
	// RestartDelay is waited between killing an unhealthy worker and
	// starting it again.
	RestartDelay time.Duration
	// CrashRestartDelay is the first delay after an unexpected exit. It
	// doubles per consecutive crash up to CrashRestartMaxDelay.
	CrashRestartDelay    time.Duration
	CrashRestartMaxDelay time.Duration
	// KillTimeout bounds the wait for a killed worker to exit.
	KillTimeout time.Duration
	// ReadyMarkers are plain-text stdout fragments treated as a connected
	// report, for workers that do not emit status events.
	ReadyMarkers []string
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		StuckAfter:           120 * time.Second,
		RestartDelay:         2 * time.Second,
		CrashRestartDelay:    10 * time.Second,
		CrashRestartMaxDelay: 5 * time.Minute,
		KillTimeout:          10 * time.Second,
	}
}

// Deps are the collaborators of a Supervisor. Emitter, Metrics and Logger
// are optional.
type Deps struct {
	Registry *session.Registry
	Store    *credentials.Store
	Launcher Launcher
	Emitter  events.Emitter
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

// WorkerInfo describes a live worker.
type WorkerInfo struct {
	SessionID   string
	SessionName string
	PID         int
	StartedAt   time.Time
	Uptime      time.Duration
	Connected   bool
}

type handle struct {
	proc      Process
	startedAt time.Time
	done      chan struct{}

	// guarded by Supervisor.mu
	everConnected bool
	intentional   bool
}

type pendingRestart struct {
	timer *time.Timer
}

// Supervisor owns the worker processes. Session state is only read and
// written through the registry.
type Supervisor struct {
	cfg      Config
	registry *session.Registry
	store    *credentials.Store
	launcher Launcher
	emitter  events.Emitter
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	group singleflight.Group
	wg    sync.WaitGroup

	mu       sync.Mutex
	handles  map[string]*handle
	restarts map[string]*pendingRestart
	crashes  map[string]int
	// launching holds sessions between awaitPrevious and registration; the
	// value is set when Stop arrives in that window.
	launching map[string]bool
	closed    bool
}

// New creates a supervisor.
func New(cfg Config, deps Deps) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		registry: deps.Registry,
		store:    deps.Store,
		launcher: deps.Launcher,
		emitter:  deps.Emitter,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		handles:  make(map[string]*handle),
		restarts: make(map[string]*pendingRestart),
		crashes:  make(map[string]int),

		launching: make(map[string]bool),
	}
	if s.emitter == nil {
		s.emitter = events.NoopEmitter{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Start materializes the session's credentials and launches its worker.
// Concurrent calls for the same session share one launch, and a session
// with a live worker is left alone.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	_, err, _ := s.group.Do(id, func() (interface{}, error) {
		return nil, s.start(ctx, id)
	})
	if errors.Is(err, errAlreadyRunning) {
		return nil
	}
	return err
}

func (s *Supervisor) start(ctx context.Context, id string) error {
	sess, err := s.registry.Get(id)
	if err != nil {
		return err
	}
	bundle := sess.Credentials()
	if bundle == nil {
		return fmt.Errorf("%w: %s", ErrNoCredentials, id)
	}
	if err := s.awaitPrevious(ctx, id); err != nil {
		return err
	}

	dir, err := s.store.EnsureMaterialized(id, bundle)
	if err != nil {
		s.endLaunch(id)
		return err
	}
	proc, err := s.launcher.Launch(ctx, Spec{SessionID: id, SessionName: sess.Name, Dir: dir})
	if err != nil {
		s.endLaunch(id)
		return fmt.Errorf("launch worker %s: %w", id, err)
	}
	h := &handle{proc: proc, startedAt: time.Now(), done: make(chan struct{})}

	s.mu.Lock()
	stopped := s.launching[id]
	delete(s.launching, id)
	if s.closed || stopped {
		s.mu.Unlock()
		discard(proc)
		if stopped {
			s.logger.Info("worker stopped during launch", "session_id", id)
			return fmt.Errorf("%w: %s", ErrStopped, id)
		}
		return ErrClosed
	}
	s.handles[id] = h
	s.wg.Add(1)
	s.mu.Unlock()

	go s.observe(id, h)

	updated, err := s.registry.Update(id, func(x *session.Session) error {
		s.mu.Lock()
		live := s.handles[id] == h && !h.intentional
		s.mu.Unlock()
		if !live {
			return ErrStopped
		}
		x.Worker.ProcessStarted = true
		x.Worker.StartedAt = h.startedAt
		x.Worker.Connected = false
		x.Worker.Stopped = false
		return nil
	})
	if errors.Is(err, ErrStopped) {
		return fmt.Errorf("%w: %s", ErrStopped, id)
	}
	if err != nil {
		s.logger.Warn("worker started for a session that changed", "session_id", id, "error", err)
		return nil
	}
	s.logger.Info("worker started", "session_id", id, "session_name", sess.Name, "pid", proc.Pid())
	s.emitter.Emit(events.NewBotStatusEvent(id, "started", telemetry.CorrelationID(ctx)))
	s.emitter.Emit(events.NewSessionEvent(updated, telemetry.CorrelationID(ctx)))
	return nil
}

// awaitPrevious returns once no worker is live for id, waiting for one that
// is being killed to exit. A live worker that is not being killed returns
// errAlreadyRunning.
func (s *Supervisor) awaitPrevious(ctx context.Context, id string) error {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		h := s.handles[id]
		if h == nil {
			s.cancelRestartLocked(id)
			s.launching[id] = false
			s.mu.Unlock()
			return nil
		}
		if !h.intentional {
			s.mu.Unlock()
			return errAlreadyRunning
		}
		s.mu.Unlock()

		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.KillTimeout):
			return fmt.Errorf("worker %s did not exit after kill", id)
		}
	}
}

var errAlreadyRunning = errors.New("worker already running")

func (s *Supervisor) endLaunch(id string) {
	s.mu.Lock()
	delete(s.launching, id)
	s.mu.Unlock()
}

// discard kills a process that was never registered and reaps it.
func discard(proc Process) {
	_ = proc.Kill()
	go func() { _, _ = proc.Wait() }()
}

type statusLine struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

func (s *Supervisor) observe(id string, h *handle) {
	defer s.wg.Done()
	defer close(h.done)

	logger := s.logger.With("session_id", id, "pid", h.proc.Pid())

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.readStdout(logger, id, h)
	}()
	go func() {
		defer readers.Done()
		readStderr(logger, h)
	}()
	readers.Wait()

	code, err := h.proc.Wait()
	s.exited(logger, id, h, code, err)
}

func (s *Supervisor) readStdout(logger *slog.Logger, id string, h *handle) {
	scanner := bufio.NewScanner(h.proc.Stdout())
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var st statusLine
		if line[0] == '{' && json.Unmarshal(line, &st) == nil && st.Event != "" {
			switch st.Event {
			case "connected":
				s.setConnected(id, h, true)
			case "disconnected":
				s.setConnected(id, h, false)
			case "log":
				logger.Info("worker", "message", st.Message)
			default:
				logger.Debug("unknown worker event", "event", st.Event)
			}
			continue
		}
		text := string(line)
		logger.Info("worker output", "line", text)
		for _, marker := range s.cfg.ReadyMarkers {
			if marker != "" && strings.Contains(text, marker) {
				s.setConnected(id, h, true)
				break
			}
		}
	}
}

func readStderr(logger *slog.Logger, h *handle) {
	scanner := bufio.NewScanner(h.proc.Stderr())
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "DeprecationWarning") {
			continue
		}
		logger.Warn("worker stderr", "line", line)
	}
}

func (s *Supervisor) setConnected(id string, h *handle, connected bool) {
	s.mu.Lock()
	if s.handles[id] != h {
		s.mu.Unlock()
		return
	}
	if connected {
		h.everConnected = true
		delete(s.crashes, id)
	}
	s.mu.Unlock()

	changed := false
	updated, err := s.registry.Update(id, func(x *session.Session) error {
		changed = x.Worker.Connected != connected
		x.Worker.Connected = connected
		if connected {
			x.Worker.WasConnected = true
		}
		return nil
	})
	if err != nil || !changed {
		return
	}
	status := "disconnected"
	if connected {
		status = "connected"
	}
	s.logger.Info("worker status changed", "session_id", id, "status", status)
	s.emitter.Emit(events.NewBotStatusEvent(id, status, ""))
	s.emitter.Emit(events.NewSessionEvent(updated, ""))
}

func (s *Supervisor) exited(logger *slog.Logger, id string, h *handle, code int, waitErr error) {
	s.mu.Lock()
	current := s.handles[id] == h
	if current {
		delete(s.handles, id)
	}
	intentional := h.intentional
	closed := s.closed
	s.mu.Unlock()

	if waitErr != nil {
		logger.Warn("worker wait failed", "error", waitErr)
	}
	logger.Info("worker exited", "exit_code", code, "intentional", intentional)
	if !current {
		return
	}

	updated, err := s.registry.Update(id, func(x *session.Session) error {
		x.Worker.ProcessStarted = false
		x.Worker.Connected = false
		return nil
	})
	s.emitter.Emit(events.NewBotStatusEvent(id, "disconnected", ""))
	if err != nil {
		return
	}
	s.emitter.Emit(events.NewSessionEvent(updated, ""))

	if intentional || closed || code == 0 || !updated.Paired() || updated.Worker.Stopped {
		return
	}
	delay := s.nextCrashDelay(id)
	logger.Warn("worker crashed, scheduling restart", "exit_code", code, "delay", delay)
	s.scheduleRestart(id, delay, "crash")
}

// nextCrashDelay returns the backoff for the next crash restart of id.
func (s *Supervisor) nextCrashDelay(id string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.crashes[id]
	s.crashes[id] = n + 1
	delay := s.cfg.CrashRestartDelay
	for i := 0; i < n && delay < s.cfg.CrashRestartMaxDelay; i++ {
		delay *= 2
	}
	if s.cfg.CrashRestartMaxDelay > 0 && delay > s.cfg.CrashRestartMaxDelay {
		delay = s.cfg.CrashRestartMaxDelay
	}
	return delay
}

func (s *Supervisor) scheduleRestart(id string, delay time.Duration, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.cancelRestartLocked(id)
	p := &pendingRestart{}
	s.restarts[id] = p
	p.timer = time.AfterFunc(delay, func() { s.fireRestart(id, p, reason) })
}

func (s *Supervisor) fireRestart(id string, p *pendingRestart, reason string) {
	s.mu.Lock()
	if s.closed || s.restarts[id] != p {
		s.mu.Unlock()
		return
	}
	delete(s.restarts, id)
	s.mu.Unlock()

	s.metrics.WorkerRestart(reason)
	s.emitter.Emit(events.NewBotStatusEvent(id, "restarting", ""))
	err := s.Start(context.Background(), id)
	switch {
	case err == nil:
	case errors.Is(err, ErrClosed), errors.Is(err, ErrStopped), errors.Is(err, ErrNoCredentials), errors.Is(err, session.ErrNotFound):
		s.logger.Warn("worker restart abandoned", "session_id", id, "reason", reason, "error", err)
	default:
		delay := s.nextCrashDelay(id)
		s.logger.Error("worker restart failed", "session_id", id, "reason", reason, "error", err, "retry_in", delay)
		s.scheduleRestart(id, delay, reason)
	}
}

func (s *Supervisor) cancelRestartLocked(id string) bool {
	p, ok := s.restarts[id]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(s.restarts, id)
	return true
}

// killAndRestart kills the worker of id and starts it again after the
// restart delay.
func (s *Supervisor) killAndRestart(id string, h *handle, reason string) bool {
	s.mu.Lock()
	if s.handles[id] != h || h.intentional {
		s.mu.Unlock()
		return false
	}
	h.intentional = true
	s.mu.Unlock()

	if err := h.proc.Kill(); err != nil {
		s.logger.Warn("kill worker failed", "session_id", id, "error", err)
	}
	s.scheduleRestart(id, s.cfg.RestartDelay, reason)
	return true
}

// Stop kills the worker of id, cancels any pending restart and marks the
// session stopped so it is not restarted automatically. A worker still
// being launched is killed as soon as the launch returns. It returns
// ErrNoWorker when there was nothing to stop.
func (s *Supervisor) Stop(id string) error {
	s.mu.Lock()
	canceled := s.cancelRestartLocked(id)
	if _, ok := s.launching[id]; ok {
		s.launching[id] = true
		canceled = true
	}
	h := s.handles[id]
	if h != nil {
		h.intentional = true
	}
	delete(s.crashes, id)
	s.mu.Unlock()

	if h != nil {
		if err := h.proc.Kill(); err != nil {
			s.logger.Warn("kill worker failed", "session_id", id, "error", err)
		}
		select {
		case <-h.done:
		case <-time.After(s.cfg.KillTimeout):
			s.logger.Warn("worker did not exit after kill", "session_id", id)
		}
	}

	updated, err := s.registry.Update(id, func(x *session.Session) error {
		x.Worker.ProcessStarted = false
		x.Worker.Connected = false
		x.Worker.Stopped = true
		return nil
	})
	if h == nil && !canceled {
		return fmt.Errorf("%w: %s", ErrNoWorker, id)
	}
	s.logger.Info("worker stopped", "session_id", id)
	s.emitter.Emit(events.NewBotStatusEvent(id, "stopped", ""))
	if err == nil {
		s.emitter.Emit(events.NewSessionEvent(updated, ""))
	}
	return nil
}

// Workers lists live workers ordered by session creation.
func (s *Supervisor) Workers() []WorkerInfo {
	now := time.Now()
	var out []WorkerInfo
	for _, sess := range s.registry.List() {
		s.mu.Lock()
		h := s.handles[sess.ID]
		s.mu.Unlock()
		if h == nil {
			continue
		}
		out = append(out, WorkerInfo{
			SessionID:   sess.ID,
			SessionName: sess.Name,
			PID:         h.proc.Pid(),
			StartedAt:   h.startedAt,
			Uptime:      now.Sub(h.startedAt),
			Connected:   sess.Worker.Connected,
		})
	}
	return out
}

// ActiveCount is the number of live workers.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Running reports whether a live worker exists for id.
func (s *Supervisor) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[id] != nil
}

// Shutdown kills every worker and waits for them to exit.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for id := range s.restarts {
		s.cancelRestartLocked(id)
	}
	handles := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		h.intentional = true
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		_ = h.proc.Kill()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
