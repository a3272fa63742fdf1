// Package fleet wires the session registry, pairing coordinator, worker
// supervisor and their periodic jobs into one service.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/szaher/designs/botfleet/internal/config"
	"github.com/szaher/designs/botfleet/internal/credentials"
	"github.com/szaher/designs/botfleet/internal/events"
	"github.com/szaher/designs/botfleet/internal/expiry"
	"github.com/szaher/designs/botfleet/internal/pairing"
	"github.com/szaher/designs/botfleet/internal/recovery"
	"github.com/szaher/designs/botfleet/internal/session"
	"github.com/szaher/designs/botfleet/internal/supervisor"
	"github.com/szaher/designs/botfleet/internal/telemetry"
	"github.com/szaher/designs/botfleet/internal/transport"
	"github.com/szaher/designs/botfleet/internal/uptime"
)

var (
	// ErrCodeNotReady is returned by WaitForCode when the long-poll window
	// elapses without a code.
	ErrCodeNotReady = errors.New("no code available yet")
	// ErrPairingFailed is returned by WaitForCode when the handshake ended
	// before a code was issued.
	ErrPairingFailed = errors.New("failed to generate pairing code")
)

// Backup copies a paired session's credentials off the host.
type Backup interface {
	Backup(ctx context.Context, id string) error
}

// Deps are the external collaborators. Dialer and Launcher are required.
type Deps struct {
	Dialer   transport.Dialer
	Launcher supervisor.Launcher
	Backup   Backup
	Sinks    []events.Emitter
	Uptime   *uptime.Monitor
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
	// Now overrides the clock used for session ages.
	Now func() time.Time
}

// Fleet is the running service.
type Fleet struct {
	cfg     config.Config
	now     func() time.Time
	logger  *slog.Logger
	metrics *telemetry.Metrics
	backup  Backup
	uptime  *uptime.Monitor

	registry    *session.Registry
	store       *credentials.Store
	broadcaster *events.Broadcaster
	coordinator *pairing.Coordinator
	supervisor  *supervisor.Supervisor
	sweeper     *expiry.Sweeper
	recoverer   *recovery.Recoverer
	scheduler   *cron.Cron

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	startedAt  time.Time
	totalUsers atomic.Int64
	shutdown   sync.Once

	mu      sync.Mutex
	started bool
	extra   []job
}

// New builds a fleet from cfg. Nothing runs until Start.
func New(cfg config.Config, deps Deps) (*Fleet, error) {
	if deps.Dialer == nil {
		return nil, errors.New("fleet: pairing dialer is required")
	}
	if deps.Launcher == nil {
		return nil, errors.New("fleet: worker launcher is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Fleet{
		cfg:       cfg,
		now:       now,
		logger:    logger,
		metrics:   deps.Metrics,
		backup:    deps.Backup,
		uptime:    deps.Uptime,
		registry:  session.NewRegistry(),
		store:     credentials.NewStore(cfg.Data.PairingDir(), cfg.Data.SessionsDir()),
		ctx:       ctx,
		cancel:    cancel,
		startedAt: now(),
	}

	bopts := []events.BroadcasterOption{
		events.WithStatsSource(f.computeStats),
		events.WithBroadcasterLogger(logger),
	}
	for _, sink := range deps.Sinks {
		bopts = append(bopts, events.WithSink(sink))
	}
	f.broadcaster = events.NewBroadcaster(bopts...)

	f.supervisor = supervisor.New(supervisor.Config{
		StuckAfter:           cfg.Worker.StuckAfter,
		RestartDelay:         cfg.Worker.RestartDelay,
		CrashRestartDelay:    cfg.Worker.CrashRestartDelay,
		CrashRestartMaxDelay: cfg.Worker.CrashRestartMaxDelay,
		KillTimeout:          supervisor.DefaultConfig().KillTimeout,
		ReadyMarkers:         cfg.Worker.ReadyMarkers,
	}, supervisor.Deps{
		Registry: f.registry,
		Store:    f.store,
		Launcher: deps.Launcher,
		Emitter:  f.broadcaster,
		Metrics:  f.metrics,
		Logger:   logger.With("component", "supervisor"),
	})

	f.coordinator = pairing.NewCoordinator(pairing.Config{
		SettleDelay:      cfg.Pairing.SettleDelay,
		HandshakeTimeout: cfg.Pairing.HandshakeTimeout,
		MaxAttempts:      cfg.Pairing.MaxAttempts,
		RetryBackoff:     cfg.Pairing.RetryBackoff,
		ReconnectDelay:   cfg.Pairing.ReconnectDelay,
		FlushTimeout:     cfg.Pairing.FlushTimeout,
	}, pairing.Deps{
		Registry: f.registry,
		Store:    f.store,
		Dialer:   deps.Dialer,
		Emitter:  f.broadcaster,
		Metrics:  f.metrics,
		Handoff:  f.handoff,
		Logger:   logger.With("component", "pairing"),
	})

	f.sweeper = expiry.New(f.registry, f.supervisor, cfg.Expiry.Window,
		expiry.WithEmitter(f.broadcaster),
		expiry.WithMetrics(f.metrics),
		expiry.WithLogger(logger.With("component", "expiry")),
	)

	f.recoverer = recovery.New(f.registry, f.store, f.supervisor,
		recovery.WithEmitter(f.broadcaster),
		recovery.WithLogger(logger.With("component", "recovery")),
	)

	f.scheduler = cron.New(
		cron.WithLogger(telemetry.NewCronLogger(logger.With("component", "scheduler"))),
		cron.WithChain(
			cron.Recover(telemetry.NewCronLogger(logger)),
			cron.SkipIfStillRunning(telemetry.NewCronLogger(logger)),
		),
	)
	return f, nil
}

// Registry exposes the session table, mainly for tests and the CLI.
func (f *Fleet) Registry() *session.Registry { return f.registry }

// Broadcaster exposes the event fan-out for push subscribers.
func (f *Fleet) Broadcaster() *events.Broadcaster { return f.broadcaster }

// Metrics returns the metrics set, which may be nil.
func (f *Fleet) Metrics() *telemetry.Metrics { return f.metrics }

// Start prepares the data directories, resumes persisted sessions, begins
// watching for new credential directories and schedules the periodic jobs.
func (f *Fleet) Start(ctx context.Context) error {
	if err := f.store.EnsureLayout(); err != nil {
		return err
	}
	n, err := f.recoverer.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	f.logger.Info("fleet starting", "recovered", n, "data_dir", f.cfg.Data.Dir)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := f.recoverer.Watch(f.ctx); err != nil && !errors.Is(err, context.Canceled) {
			f.logger.Warn("credential watcher stopped", "error", err)
		}
	}()

	jobs := []job{
		{"health", f.cfg.Worker.HealthInterval, func() { f.Health(f.ctx) }},
		{"expiry", f.cfg.Expiry.Interval, func() { f.Sweep() }},
		{"stats", f.cfg.Expiry.Interval, func() { f.broadcaster.PublishStats() }},
	}
	if f.uptime != nil && f.cfg.Uptime.Enabled {
		jobs = append(jobs, job{"uptime", f.cfg.Uptime.Interval, func() { f.uptime.Ping(f.ctx) }})
	}
	jobs = append(jobs, f.extra...)
	for _, j := range jobs {
		if err := f.schedule(j); err != nil {
			return err
		}
	}
	f.scheduler.Start()
	f.broadcaster.PublishStats()
	return nil
}

type job struct {
	name  string
	every time.Duration
	run   func()
}

func (f *Fleet) schedule(j job) error {
	if j.every <= 0 {
		return fmt.Errorf("schedule %s: interval must be positive", j.name)
	}
	if _, err := f.scheduler.AddFunc(fmt.Sprintf("@every %s", j.every), j.run); err != nil {
		return fmt.Errorf("schedule %s: %w", j.name, err)
	}
	return nil
}

// Every registers an additional periodic job. Jobs added before Start are
// scheduled with the built-in ones.
func (f *Fleet) Every(name string, every time.Duration, run func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := job{name: name, every: every, run: run}
	if !f.started {
		f.extra = append(f.extra, j)
		return nil
	}
	return f.schedule(j)
}

// Shutdown stops the periodic jobs, cancels running handshakes and kills
// every worker.
func (f *Fleet) Shutdown(ctx context.Context) error {
	var err error
	f.shutdown.Do(func() {
		stopped := f.scheduler.Stop()
		f.cancel()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
		}
		f.coordinator.Wait()
		err = f.supervisor.Shutdown(ctx)
		f.wg.Wait()
		f.broadcaster.Close()
		f.logger.Info("fleet stopped")
	})
	return err
}

// Submit registers a pairing request for number and starts its handshake.
func (f *Fleet) Submit(ctx context.Context, number string) (session.Session, error) {
	if f.ctx.Err() != nil {
		return session.Session{}, errors.New("fleet is shutting down")
	}
	s, err := f.registry.Create(number, f.cfg.Server.SubmitCooldown, f.now())
	if err != nil {
		return session.Session{}, err
	}
	f.totalUsers.Add(1)

	corr := telemetry.CorrelationID(ctx)
	telemetry.SessionLogger(f.logger, ctx, s.ID).Info("pairing requested", "session_name", s.Name)
	f.broadcaster.Emit(events.NewSessionEvent(s, corr))

	hctx := telemetry.WithCorrelationID(f.ctx, corr)
	f.coordinator.Start(hctx, s.ID)
	return s, nil
}

// WaitForCode returns the session once it has a pairing code, re-checking
// every second for up to the configured long-poll window.
func (f *Fleet) WaitForCode(ctx context.Context, id string) (session.Session, error) {
	return f.waitForCode(ctx, id, f.cfg.Server.LongPoll, time.Second)
}

func (f *Fleet) waitForCode(ctx context.Context, id string, window, every time.Duration) (session.Session, error) {
	deadline := time.NewTimer(window)
	defer deadline.Stop()
	tick := time.NewTicker(every)
	defer tick.Stop()

	for {
		s, err := f.registry.Get(id)
		if err != nil {
			return session.Session{}, err
		}
		if s.PairingCode != "" {
			return s, nil
		}
		switch s.State() {
		case session.StateError, session.StateTimeout:
			return s, ErrPairingFailed
		}
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-f.ctx.Done():
			return s, ErrCodeNotReady
		case <-deadline.C:
			return s, ErrCodeNotReady
		case <-tick.C:
		}
	}
}

// Status returns a snapshot of one session.
func (f *Fleet) Status(id string) (session.Session, error) {
	return f.registry.Get(id)
}

// Age is the age of s against the fleet clock.
func (f *Fleet) Age(s session.Session) time.Duration { return s.Age(f.now()) }

// AuthDir is the handshake directory of id.
func (f *Fleet) AuthDir(id string) string { return f.store.PairingDir(id) }

// Stats returns the current aggregate counts.
func (f *Fleet) Stats() events.Stats { return f.computeStats() }

// RateLimitWindow is the per-subject cooldown.
func (f *Fleet) RateLimitWindow() time.Duration { return f.cfg.Server.SubmitCooldown }

func (f *Fleet) computeStats() events.Stats {
	active := f.registry.ListActive(f.now(), f.cfg.Expiry.Window)
	connected := 0
	for _, s := range active {
		if s.IsConnected() {
			connected++
		}
	}
	st := events.Stats{
		ActiveSessions:    len(active),
		TotalUsers:        f.totalUsers.Load(),
		CodesIssued:       f.coordinator.CodesIssued(),
		ConnectedSessions: connected,
		ActiveWorkers:     f.supervisor.ActiveCount(),
	}
	f.metrics.SetFleet(st.ActiveSessions, st.ConnectedSessions, st.ActiveWorkers)
	return st
}

// Workers lists live worker processes.
func (f *Fleet) Workers() []supervisor.WorkerInfo { return f.supervisor.Workers() }

// StopWorker stops the worker of id.
func (f *Fleet) StopWorker(id string) error { return f.supervisor.Stop(id) }

// ArchiveCredentials writes a zip of the credential directory of id.
func (f *Fleet) ArchiveCredentials(id string, w io.Writer) error {
	return f.store.Archive(id, w)
}

// Health runs one supervisor health pass.
func (f *Fleet) Health(ctx context.Context) supervisor.HealthReport {
	report := f.supervisor.HealthCheck(ctx)
	if len(report.Restarted) > 0 {
		f.logger.Info("health check restarted workers", "checked", report.Checked, "restarted", report.Restarted)
	}
	return report
}

// Sweep removes expired unpaired sessions.
func (f *Fleet) Sweep() []string {
	removed := f.sweeper.Sweep(f.now())
	for _, id := range removed {
		if err := f.store.RemovePairingDir(id); err != nil {
			f.logger.Warn("remove pairing dir failed", "session_id", id, "error", err)
		}
	}
	return removed
}

// HealthSnapshot is the payload of the health endpoint.
type HealthSnapshot struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    float64       `json:"uptime"`
	Memory    MemorySummary `json:"memory"`
	events.Stats
}

// MemorySummary reports Go runtime memory in bytes.
type MemorySummary struct {
	HeapAlloc  uint64 `json:"heapAlloc"`
	HeapInuse  uint64 `json:"heapInuse"`
	Sys        uint64 `json:"sys"`
	Goroutines int    `json:"goroutines"`
}

// HealthSnapshot reports liveness, uptime, memory and counts.
func (f *Fleet) HealthSnapshot() HealthSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	now := f.now()
	return HealthSnapshot{
		Status:    "healthy",
		Timestamp: now,
		Uptime:    now.Sub(f.startedAt).Seconds(),
		Memory: MemorySummary{
			HeapAlloc:  ms.HeapAlloc,
			HeapInuse:  ms.HeapInuse,
			Sys:        ms.Sys,
			Goroutines: runtime.NumGoroutine(),
		},
		Stats: f.computeStats(),
	}
}

func (f *Fleet) handoff(ctx context.Context, id string) error {
	if err := f.supervisor.Start(ctx, id); err != nil && !errors.Is(err, supervisor.ErrStopped) {
		return err
	}
	if f.backup == nil {
		return nil
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := f.backup.Backup(bctx, id); err != nil {
			f.logger.Warn("credential backup failed", "session_id", id, "error", err)
			return
		}
		f.logger.Info("credentials backed up", "session_id", id)
	}()
	return nil
}
