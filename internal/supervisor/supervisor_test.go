package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/szaher/designs/botfleet/internal/credentials"
	"github.com/szaher/designs/botfleet/internal/events"
	"github.com/szaher/designs/botfleet/internal/session"
	"github.com/szaher/designs/botfleet/internal/testutil"
)

const wait = 2 * time.Second

type fixture struct {
	registry  *session.Registry
	store     *credentials.Store
	launcher  *fakeLauncher
	collector *events.CollectorEmitter
	sup       *Supervisor
}

func testConfig() Config {
	return Config{
		StuckAfter:           time.Hour,
		RestartDelay:         10 * time.Millisecond,
		CrashRestartDelay:    10 * time.Millisecond,
		CrashRestartMaxDelay: 40 * time.Millisecond,
		KillTimeout:          time.Second,
	}
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		registry:  session.NewRegistry(),
		store:     credentials.NewStore(filepath.Join(root, "pairing"), filepath.Join(root, "sessions")),
		launcher:  &fakeLauncher{},
		collector: &events.CollectorEmitter{},
	}
	f.sup = New(cfg, Deps{
		Registry: f.registry,
		Store:    f.store,
		Launcher: f.launcher,
		Emitter:  f.collector,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		_ = f.sup.Shutdown(ctx)
	})
	return f
}

func (f *fixture) session(t *testing.T, id string) session.Session {
	t.Helper()
	s, err := f.registry.Get(id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return s
}

func (f *fixture) started(t *testing.T) session.Session {
	t.Helper()
	s := testutil.PairedSession(t, f.registry, "5550100")
	if err := f.sup.Start(context.Background(), s.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return s
}

func (f *fixture) connect(t *testing.T, id string, p *fakeProcess) {
	t.Helper()
	p.say(`{"event":"connected"}`)
	testutil.Eventually(t, wait, func() bool { return f.session(t, id).Worker.Connected }, "worker connected")
}

func TestStartRequiresCredentials(t *testing.T) {
	f := newFixture(t, testConfig())
	s, err := f.registry.Create("5550100", 0, time.Now())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := f.sup.Start(context.Background(), s.ID); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("Start() error = %v, want ErrNoCredentials", err)
	}
	if err := f.sup.Start(context.Background(), "sess_missing"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Start(missing) error = %v, want ErrNotFound", err)
	}
	if f.launcher.count() != 0 {
		t.Error("launched a worker without credentials")
	}
}

func TestStartLaunchesWorker(t *testing.T) {
	f := newFixture(t, testConfig())
	s := f.started(t)

	p := f.launcher.proc(0)
	if p.spec.SessionID != s.ID || p.spec.SessionName != s.Name || p.spec.Dir != f.store.SessionDir(s.ID) {
		t.Errorf("spec = %+v", p.spec)
	}
	if _, err := os.Stat(filepath.Join(p.spec.Dir, credentials.CredsFile)); err != nil {
		t.Errorf("credentials not materialized: %v", err)
	}
	got := f.session(t, s.ID)
	if !got.Worker.ProcessStarted || got.Worker.StartedAt.IsZero() || got.Worker.Connected {
		t.Errorf("worker status = %+v", got.Worker)
	}
	if f.sup.ActiveCount() != 1 || !f.sup.Running(s.ID) {
		t.Errorf("ActiveCount() = %d", f.sup.ActiveCount())
	}

	if err := f.sup.Start(context.Background(), s.ID); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if f.launcher.count() != 1 {
		t.Errorf("launches = %d, want 1", f.launcher.count())
	}

	workers := f.sup.Workers()
	if len(workers) != 1 || workers[0].PID != 1000 || workers[0].SessionID != s.ID {
		t.Errorf("Workers() = %+v", workers)
	}
}

func TestSpecEnv(t *testing.T) {
	env := Spec{SessionID: "sess_1", SessionName: "BOT_1", Dir: "/data/sessions/sess_1"}.Env()
	want := []string{"SESSION_ID=sess_1", "SESSION_NAME=BOT_1", "SESSION_DIR=/data/sessions/sess_1", "AUTO_START=true"}
	for i := range want {
		if env[i] != want[i] {
			t.Errorf("Env()[%d] = %q, want %q", i, env[i], want[i])
		}
	}
}

func TestWorkerStatusEvents(t *testing.T) {
	f := newFixture(t, testConfig())
	s := f.started(t)
	p := f.launcher.proc(0)

	f.connect(t, s.ID, p)
	if !f.session(t, s.ID).Worker.WasConnected {
		t.Error("WasConnected not set")
	}

	p.say(`{"event":"log","message":"hello"}`)
	p.say(`{"event":"disconnected"}`)
	testutil.Eventually(t, wait, func() bool { return !f.session(t, s.ID).Worker.Connected }, "worker disconnected")
	if !f.session(t, s.ID).Worker.WasConnected {
		t.Error("WasConnected must stay set")
	}

	if n := len(f.collector.OfType(events.BotStatusUpdate)); n < 3 {
		t.Errorf("bot status events = %d, want at least 3", n)
	}
}

func TestReadyMarkers(t *testing.T) {
	cfg := testConfig()
	cfg.ReadyMarkers = []string{"Bot is ready"}
	f := newFixture(t, cfg)
	s := f.started(t)
	p := f.launcher.proc(0)

	p.say("loading plugins")
	p.say("✅ Bot is ready!")
	testutil.Eventually(t, wait, func() bool { return f.session(t, s.ID).Worker.Connected }, "marker connected")
}

func TestCrashRestart(t *testing.T) {
	f := newFixture(t, testConfig())
	s := f.started(t)
	p := f.launcher.proc(0)
	f.connect(t, s.ID, p)

	p.exit(1)
	testutil.Eventually(t, wait, func() bool { return f.launcher.count() == 2 }, "worker relaunched after crash")
	testutil.Eventually(t, wait, func() bool { return f.session(t, s.ID).Worker.ProcessStarted }, "process started again")
}

func TestCleanExitNotRestarted(t *testing.T) {
	f := newFixture(t, testConfig())
	s := f.started(t)
	f.launcher.proc(0).exit(0)

	testutil.Eventually(t, wait, func() bool { return !f.session(t, s.ID).Worker.ProcessStarted }, "flags cleared")
	testutil.Never(t, 100*time.Millisecond, func() bool { return f.launcher.count() > 1 }, "clean exit restarted")
}

func TestCrashBackoff(t *testing.T) {
	f := newFixture(t, Config{CrashRestartDelay: 10 * time.Second, CrashRestartMaxDelay: 5 * time.Minute})
	want := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second, 160 * time.Second, 5 * time.Minute, 5 * time.Minute}
	for i, w := range want {
		if got := f.sup.nextCrashDelay("sess_1"); got != w {
			t.Errorf("crash %d delay = %v, want %v", i+1, got, w)
		}
	}
	if got := f.sup.nextCrashDelay("sess_2"); got != 10*time.Second {
		t.Errorf("other session delay = %v, want 10s", got)
	}
}

func TestStop(t *testing.T) {
	f := newFixture(t, testConfig())
	s := f.started(t)
	p := f.launcher.proc(0)
	f.connect(t, s.ID, p)

	if err := f.sup.Stop(s.ID); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !p.killed.Load() {
		t.Error("process not killed")
	}
	got := f.session(t, s.ID)
	if got.Worker.ProcessStarted || got.Worker.Connected || !got.Worker.Stopped {
		t.Errorf("worker status after stop = %+v", got.Worker)
	}

	testutil.Never(t, 100*time.Millisecond, func() bool { return f.launcher.count() > 1 }, "stopped worker restarted")

	if r := f.sup.HealthCheck(context.Background()); len(r.Restarted) != 0 {
		t.Errorf("health check restarted stopped worker: %v", r.Restarted)
	}
	if err := f.sup.Stop(s.ID); !errors.Is(err, ErrNoWorker) {
		t.Errorf("second Stop() error = %v, want ErrNoWorker", err)
	}
}

func TestStopCancelsPendingRestart(t *testing.T) {
	cfg := testConfig()
	cfg.CrashRestartDelay = 200 * time.Millisecond
	cfg.CrashRestartMaxDelay = time.Second
	f := newFixture(t, cfg)
	s := f.started(t)
	f.launcher.proc(0).exit(2)
	testutil.Eventually(t, wait, func() bool { return !f.sup.Running(s.ID) }, "worker exited")

	if err := f.sup.Stop(s.ID); err != nil {
		t.Fatalf("Stop() with pending restart error = %v", err)
	}
	testutil.Never(t, 300*time.Millisecond, func() bool { return f.launcher.count() > 1 }, "canceled restart fired")
}

func TestStopDuringLaunch(t *testing.T) {
	f := newFixture(t, testConfig())
	s := testutil.PairedSession(t, f.registry, "5550100")
	entered, release := f.launcher.holdNext()

	started := make(chan error, 1)
	go func() { started <- f.sup.Start(context.Background(), s.ID) }()
	select {
	case <-entered:
	case <-time.After(wait):
		t.Fatal("launch never reached")
	}

	if err := f.sup.Stop(s.ID); err != nil {
		t.Fatalf("Stop() during launch error = %v", err)
	}
	close(release)

	select {
	case err := <-started:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("Start() error = %v, want ErrStopped", err)
		}
	case <-time.After(wait):
		t.Fatal("Start() did not return")
	}
	if !f.launcher.proc(0).killed.Load() {
		t.Error("worker launched after Stop was not killed")
	}
	if f.sup.Running(s.ID) {
		t.Error("worker registered after Stop")
	}
	got := f.session(t, s.ID)
	if got.Worker.ProcessStarted || !got.Worker.Stopped {
		t.Errorf("worker status = %+v, want stopped", got.Worker)
	}

	if err := f.sup.Start(context.Background(), s.ID); err != nil {
		t.Fatalf("Start() after stop error = %v", err)
	}
	if !f.sup.Running(s.ID) || f.session(t, s.ID).Worker.Stopped {
		t.Error("explicit Start did not clear the stop")
	}
}

func TestRestartKeepsWorkerCredentials(t *testing.T) {
	f := newFixture(t, testConfig())
	s := f.started(t)
	p := f.launcher.proc(0)
	f.connect(t, s.ID, p)

	path := filepath.Join(p.spec.Dir, credentials.CredsFile)
	if err := os.WriteFile(path, []byte(`{"rotated":true}`), 0o600); err != nil {
		t.Fatal(err)
	}
	p.exit(1)
	testutil.Eventually(t, wait, func() bool { return f.launcher.count() == 2 }, "worker relaunched after crash")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"rotated":true}` {
		t.Errorf("creds after restart = %q, want the worker's update", data)
	}
}

func TestHealthCheckStuck(t *testing.T) {
	cfg := testConfig()
	cfg.StuckAfter = 20 * time.Millisecond
	f := newFixture(t, cfg)
	s := f.started(t)
	first := f.launcher.proc(0)

	time.Sleep(30 * time.Millisecond)
	report := f.sup.HealthCheck(context.Background())
	if report.Checked != 1 || len(report.Restarted) != 1 || report.Restarted[0] != s.ID {
		t.Fatalf("report = %+v", report)
	}
	if !first.killed.Load() {
		t.Error("stuck worker not killed")
	}
	testutil.Eventually(t, wait, func() bool { return f.launcher.count() == 2 && f.sup.Running(s.ID) }, "stuck worker restarted")
}

func TestHealthCheckDisconnected(t *testing.T) {
	f := newFixture(t, testConfig())
	s := f.started(t)
	p := f.launcher.proc(0)
	f.connect(t, s.ID, p)

	if r := f.sup.HealthCheck(context.Background()); len(r.Restarted) != 0 {
		t.Fatalf("healthy worker restarted: %+v", r)
	}

	p.say(`{"event":"disconnected"}`)
	testutil.Eventually(t, wait, func() bool { return !f.session(t, s.ID).Worker.Connected }, "worker disconnected")

	if r := f.sup.HealthCheck(context.Background()); len(r.Restarted) != 1 {
		t.Fatalf("disconnected worker not restarted: %+v", r)
	}
	testutil.Eventually(t, wait, func() bool { return f.launcher.count() == 2 }, "disconnected worker relaunched")
}

func TestHealthCheckDeadProcess(t *testing.T) {
	f := newFixture(t, testConfig())
	s := f.started(t)
	p := f.launcher.proc(0)
	f.connect(t, s.ID, p)

	// A clean exit is not auto-restarted; the health check catches it.
	p.exit(0)
	testutil.Eventually(t, wait, func() bool { return !f.sup.Running(s.ID) }, "worker gone")

	r := f.sup.HealthCheck(context.Background())
	if len(r.Restarted) != 1 {
		t.Fatalf("dead worker not restarted: %+v", r)
	}
	if f.launcher.count() != 2 || !f.session(t, s.ID).Worker.ProcessStarted {
		t.Errorf("launches = %d", f.launcher.count())
	}
}

func TestHealthCheckIgnoresNeverConnectedDeadWorker(t *testing.T) {
	f := newFixture(t, testConfig())
	s := f.started(t)
	f.launcher.proc(0).exit(0)
	testutil.Eventually(t, wait, func() bool { return !f.sup.Running(s.ID) }, "worker gone")

	if r := f.sup.HealthCheck(context.Background()); len(r.Restarted) != 0 {
		t.Errorf("restarted a worker that never connected: %+v", r)
	}
}

func TestRestartRetriesFailedLaunch(t *testing.T) {
	f := newFixture(t, testConfig())
	s := f.started(t)
	p := f.launcher.proc(0)
	f.connect(t, s.ID, p)

	f.launcher.setErr(errors.New("exec format error"))
	p.exit(1)
	time.Sleep(50 * time.Millisecond)
	f.launcher.setErr(nil)

	testutil.Eventually(t, wait, func() bool { return f.sup.Running(s.ID) }, "restart retried after launch failure")
}

func TestShutdown(t *testing.T) {
	f := newFixture(t, testConfig())
	f.started(t)
	other := testutil.PairedSession(t, f.registry, "5550199")
	if err := f.sup.Start(context.Background(), other.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := f.sup.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if !f.launcher.proc(i).killed.Load() {
			t.Errorf("worker %d not killed", i)
		}
	}
	if f.sup.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d after shutdown", f.sup.ActiveCount())
	}
	if err := f.sup.Start(context.Background(), other.ID); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after shutdown error = %v, want ErrClosed", err)
	}
}
