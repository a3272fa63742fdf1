package pairing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/szaher/designs/botfleet/internal/credentials"
	"github.com/szaher/designs/botfleet/internal/events"
	"github.com/szaher/designs/botfleet/internal/session"
	"github.com/szaher/designs/botfleet/internal/transport"
	"github.com/szaher/designs/botfleet/internal/transport/transporttest"
)

var creds = map[string]string{credentials.CredsFile: `{"registered":true}`}

func open(registered bool) transport.Event {
	return transport.Event{Kind: transport.KindOpen, Registered: registered}
}

func closed(reason transport.Reason) transport.Event {
	return transport.Event{Kind: transport.KindClose, Reason: reason}
}

type harness struct {
	registry  *session.Registry
	store     *credentials.Store
	dialer    *transporttest.Dialer
	collector *events.CollectorEmitter
	coord     *Coordinator

	mu       sync.Mutex
	handoffs []string
}

func newHarness(t *testing.T, cfg Config, scripts ...transporttest.Script) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		registry:  session.NewRegistry(),
		store:     credentials.NewStore(filepath.Join(root, "pairing"), filepath.Join(root, "sessions")),
		dialer:    transporttest.NewDialer(scripts...),
		collector: &events.CollectorEmitter{},
	}
	if err := h.store.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout() error = %v", err)
	}
	h.coord = NewCoordinator(cfg, Deps{
		Registry: h.registry,
		Store:    h.store,
		Dialer:   h.dialer,
		Emitter:  h.collector,
		Handoff: func(_ context.Context, id string) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.handoffs = append(h.handoffs, id)
			return nil
		},
	})
	return h
}

func (h *harness) newSession(t *testing.T) session.Session {
	t.Helper()
	s, err := h.registry.Create("5550100", 0, time.Now())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return s
}

func (h *harness) handoffCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handoffs)
}

func fastConfig() Config {
	return Config{
		SettleDelay:      time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
		MaxAttempts:      3,
		RetryBackoff:     time.Millisecond,
		ReconnectDelay:   time.Millisecond,
	}
}

func TestRunPaired(t *testing.T) {
	h := newHarness(t, fastConfig(), transporttest.Script{
		Code:   "ABCD-1234",
		Creds:  creds,
		Events: []transport.Event{{Kind: transport.KindConnecting}, open(false), open(true)},
	})
	s := h.newSession(t)

	if got := h.coord.Run(context.Background(), s.ID); got != OutcomePaired {
		t.Fatalf("Run() = %s, want %s", got, OutcomePaired)
	}

	got, _ := h.registry.Get(s.ID)
	if got.State() != session.StateCompleted {
		t.Fatalf("State() = %s, want completed", got.State())
	}
	if got.PairingCode != "ABCD-1234" || got.CodeIssuedAt.IsZero() {
		t.Errorf("code = %q issued at %v", got.PairingCode, got.CodeIssuedAt)
	}
	data, ok := got.Credentials().File(credentials.CredsFile)
	if !ok || string(data) != creds[credentials.CredsFile] {
		t.Errorf("bundle creds = %q", data)
	}
	if h.coord.CodesIssued() != 1 {
		t.Errorf("CodesIssued() = %d, want 1", h.coord.CodesIssued())
	}
	if h.handoffCount() != 1 {
		t.Errorf("handoffs = %d, want 1", h.handoffCount())
	}
	if _, err := os.Stat(h.store.PairingDir(s.ID)); !os.IsNotExist(err) {
		t.Errorf("pairing dir not removed after handoff: %v", err)
	}
	if len(h.collector.OfType(events.SessionUpdate)) < 3 {
		t.Errorf("session updates = %d, want at least 3", len(h.collector.OfType(events.SessionUpdate)))
	}
	if conns := h.dialer.Conns(); len(conns) != 1 || !conns[0].Closed() || !conns[0].Finished() {
		t.Error("handshake connection not finished and closed")
	}
	if req := h.dialer.Conns()[0].Requested(); len(req) != 1 || req[0] != "5550100" {
		t.Errorf("code requested for %v", req)
	}
}

func TestRunTerminalCloseReasons(t *testing.T) {
	tests := []struct {
		reason transport.Reason
		want   string
	}{
		{transport.ReasonUnauthorized, MsgInvalidCode},
		{transport.ReasonRateLimited, MsgTooManyAttempts},
		{transport.ReasonLoggedOut, MsgLoggedOut},
		{transport.ReasonBadRequest, MsgBadRequest},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			h := newHarness(t, fastConfig(), transporttest.Script{
				Code:   "CODE",
				Events: []transport.Event{closed(tt.reason)},
			})
			s := h.newSession(t)

			if got := h.coord.Run(context.Background(), s.ID); got != OutcomeFailed {
				t.Fatalf("Run() = %s, want failed", got)
			}
			got, _ := h.registry.Get(s.ID)
			if got.State() != session.StateError || got.ErrorMessage() != tt.want {
				t.Errorf("session = %s %q, want error %q", got.State(), got.ErrorMessage(), tt.want)
			}
			if h.handoffCount() != 0 {
				t.Error("worker handed off after failure")
			}
			if len(h.dialer.Dials()) != 1 {
				t.Errorf("dials = %d, want 1 (no retry)", len(h.dialer.Dials()))
			}
		})
	}
}

func TestRunRestartRequiredReconnects(t *testing.T) {
	h := newHarness(t, fastConfig(),
		transporttest.Script{
			Code:   "CODE",
			Creds:  creds,
			Events: []transport.Event{open(false), closed(transport.ReasonRestartRequired)},
		},
		transporttest.Script{
			AutoStart: true,
			Events:    []transport.Event{open(true)},
		},
	)
	s := h.newSession(t)

	if got := h.coord.Run(context.Background(), s.ID); got != OutcomePaired {
		t.Fatalf("Run() = %s, want paired", got)
	}
	dials := h.dialer.Dials()
	if len(dials) != 2 || dials[0] != dials[1] {
		t.Errorf("dials = %v, want two dials of the same auth dir", dials)
	}
	if n := len(h.dialer.Conns()[1].Requested()); n != 0 {
		t.Errorf("reconnect requested %d codes, want 0", n)
	}
	if conns := h.dialer.Conns(); conns[0].Finished() || !conns[1].Finished() {
		t.Error("only the registered reconnect should be finished")
	}
	if h.coord.CodesIssued() != 1 {
		t.Errorf("CodesIssued() = %d, want 1", h.coord.CodesIssued())
	}
}

func TestRunRegisteredBeforeRestartRequired(t *testing.T) {
	h := newHarness(t, fastConfig(), transporttest.Script{
		Code:   "CODE",
		Creds:  creds,
		Events: []transport.Event{open(true), closed(transport.ReasonRestartRequired)},
	})
	s := h.newSession(t)

	if got := h.coord.Run(context.Background(), s.ID); got != OutcomePaired {
		t.Fatalf("Run() = %s, want paired", got)
	}
	if n := len(h.dialer.Dials()); n != 1 {
		t.Errorf("dials = %d, want 1: a registered open must not be followed by a reconnect", n)
	}
}

func TestRunRestartRequiredReconnectFails(t *testing.T) {
	h := newHarness(t, fastConfig(),
		transporttest.Script{
			Code:   "CODE",
			Events: []transport.Event{closed(transport.ReasonRestartRequired)},
		},
		transporttest.Script{
			AutoStart: true,
			Events:    []transport.Event{closed(transport.ReasonOther)},
		},
	)
	s := h.newSession(t)

	if got := h.coord.Run(context.Background(), s.ID); got != OutcomeFailed {
		t.Fatalf("Run() = %s, want failed", got)
	}
	got, _ := h.registry.Get(s.ID)
	if got.ErrorMessage() != MsgRestartFailed {
		t.Errorf("ErrorMessage() = %q, want %q", got.ErrorMessage(), MsgRestartFailed)
	}
}

func TestRunRetriesUpToCeiling(t *testing.T) {
	h := newHarness(t, fastConfig(), transporttest.Script{
		Code:   "CODE",
		Events: []transport.Event{closed(transport.ReasonOther)},
	})
	s := h.newSession(t)

	if got := h.coord.Run(context.Background(), s.ID); got != OutcomeFailed {
		t.Fatalf("Run() = %s, want failed", got)
	}
	if n := len(h.dialer.Dials()); n != 3 {
		t.Errorf("dials = %d, want 3", n)
	}
	if h.coord.CodesIssued() != 3 {
		t.Errorf("CodesIssued() = %d, want 3", h.coord.CodesIssued())
	}
	got, _ := h.registry.Get(s.ID)
	if got.ErrorMessage() != MsgMaxAttempts {
		t.Errorf("ErrorMessage() = %q, want %q", got.ErrorMessage(), MsgMaxAttempts)
	}
}

func TestRunRetryThenPair(t *testing.T) {
	h := newHarness(t, fastConfig(),
		transporttest.Script{Code: "ONE", Events: []transport.Event{closed(transport.ReasonOther)}},
		transporttest.Script{Code: "TWO", Creds: creds, Events: []transport.Event{open(true)}},
	)
	s := h.newSession(t)

	if got := h.coord.Run(context.Background(), s.ID); got != OutcomePaired {
		t.Fatalf("Run() = %s, want paired", got)
	}
	got, _ := h.registry.Get(s.ID)
	if got.PairingCode != "TWO" {
		t.Errorf("PairingCode = %q, want TWO", got.PairingCode)
	}
}

func TestRunCodeRequestErrors(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errors.New("rate limit exceeded"), MsgCodeRateLimited},
		{errors.New("invalid phone"), MsgCodeInvalid},
		{errors.New("request timeout"), MsgCodeTimeout},
		{errors.New("socket hang up"), MsgCodeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			h := newHarness(t, fastConfig(), transporttest.Script{CodeErr: tt.err})
			s := h.newSession(t)

			if got := h.coord.Run(context.Background(), s.ID); got != OutcomeFailed {
				t.Fatalf("Run() = %s, want failed", got)
			}
			got, _ := h.registry.Get(s.ID)
			if got.ErrorMessage() != tt.want {
				t.Errorf("ErrorMessage() = %q, want %q", got.ErrorMessage(), tt.want)
			}
			if len(h.dialer.Dials()) != 1 {
				t.Errorf("code errors must not retry, dials = %d", len(h.dialer.Dials()))
			}
		})
	}
}

func TestRunTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg, transporttest.Script{Code: "CODE"})
	s := h.newSession(t)

	if got := h.coord.Run(context.Background(), s.ID); got != OutcomeTimeout {
		t.Fatalf("Run() = %s, want timeout", got)
	}
	got, _ := h.registry.Get(s.ID)
	if got.State() != session.StateTimeout || got.ErrorMessage() != MsgTimeout {
		t.Errorf("session = %s %q", got.State(), got.ErrorMessage())
	}
}

func TestRunDialError(t *testing.T) {
	h := newHarness(t, fastConfig(), transporttest.Script{DialErr: errors.New("network unreachable")})
	s := h.newSession(t)

	if got := h.coord.Run(context.Background(), s.ID); got != OutcomeFailed {
		t.Fatalf("Run() = %s, want failed", got)
	}
	got, _ := h.registry.Get(s.ID)
	if got.ErrorMessage() != "Connection error: network unreachable" {
		t.Errorf("ErrorMessage() = %q", got.ErrorMessage())
	}
	if _, err := os.Stat(h.store.PairingDir(s.ID)); !os.IsNotExist(err) {
		t.Errorf("pairing dir left behind: %v", err)
	}
}

func TestRunRegisteredWithoutCredentials(t *testing.T) {
	h := newHarness(t, fastConfig(), transporttest.Script{Code: "CODE", Events: []transport.Event{open(true)}})
	s := h.newSession(t)

	if got := h.coord.Run(context.Background(), s.ID); got != OutcomeFailed {
		t.Fatalf("Run() = %s, want failed", got)
	}
	if h.handoffCount() != 0 {
		t.Error("handed off a session without credentials")
	}
}

func TestRunWaitsForLateCredentials(t *testing.T) {
	late := map[string]string{credentials.CredsFile: `{"registered":true,"me":"5550100"}`}
	h := newHarness(t, fastConfig(), transporttest.Script{
		Code:      "CODE",
		Creds:     map[string]string{credentials.CredsFile: `{"registered":false}`},
		LateCreds: late,
		Events:    []transport.Event{open(true)},
	})
	s := h.newSession(t)

	if got := h.coord.Run(context.Background(), s.ID); got != OutcomePaired {
		t.Fatalf("Run() = %s, want paired", got)
	}
	if !h.dialer.Conns()[0].Finished() {
		t.Error("client was not asked to finish before the snapshot")
	}
	got, _ := h.registry.Get(s.ID)
	data, _ := got.Credentials().File(credentials.CredsFile)
	if string(data) != late[credentials.CredsFile] {
		t.Errorf("bundle creds = %q, want %q", data, late[credentials.CredsFile])
	}
}

func TestRunCorruptCredentials(t *testing.T) {
	h := newHarness(t, fastConfig(), transporttest.Script{
		Code:      "CODE",
		LateCreds: map[string]string{credentials.CredsFile: `{"registered":tr`},
		Events:    []transport.Event{open(true)},
	})
	s := h.newSession(t)

	if got := h.coord.Run(context.Background(), s.ID); got != OutcomeFailed {
		t.Fatalf("Run() = %s, want failed", got)
	}
	got, _ := h.registry.Get(s.ID)
	if got.State() != session.StateError || !strings.Contains(got.ErrorMessage(), "corrupt") {
		t.Errorf("state = %s %q, want error about corrupt credentials", got.State(), got.ErrorMessage())
	}
	if h.handoffCount() != 0 {
		t.Error("handed off a session with corrupt credentials")
	}
}

func TestRunCanceled(t *testing.T) {
	h := newHarness(t, fastConfig(), transporttest.Script{Code: "CODE"})
	s := h.newSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	if got := h.coord.Run(ctx, s.ID); got != OutcomeCanceled {
		t.Fatalf("Run() = %s, want canceled", got)
	}
}

func TestStartAndWait(t *testing.T) {
	h := newHarness(t, fastConfig(), transporttest.Script{Code: "CODE", Creds: creds, Events: []transport.Event{open(true)}})
	a := h.newSession(t)
	b, err := h.registry.Create("5550199", 0, time.Now())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	h.coord.Start(context.Background(), a.ID)
	h.coord.Start(context.Background(), b.ID)
	h.coord.Wait()

	for _, id := range []string{a.ID, b.ID} {
		got, _ := h.registry.Get(id)
		if !got.Paired() {
			t.Errorf("session %s not paired: %s", id, got.State())
		}
	}
	if h.handoffCount() != 2 {
		t.Errorf("handoffs = %d, want 2", h.handoffCount())
	}
}

func TestRunUnknownSession(t *testing.T) {
	h := newHarness(t, fastConfig())
	if got := h.coord.Run(context.Background(), "sess_missing"); got != OutcomeFailed {
		t.Errorf("Run() = %s, want failed", got)
	}
	if len(h.dialer.Dials()) != 0 {
		t.Error("dialed for unknown session")
	}
}

func TestClassifyCodeError(t *testing.T) {
	if got := ClassifyCodeError(context.DeadlineExceeded); got != MsgCodeTimeout {
		t.Errorf("ClassifyCodeError(deadline) = %q", got)
	}
	if got := ClassifyCodeError(errors.New("Rate Limit hit")); got != MsgCodeRateLimited {
		t.Errorf("ClassifyCodeError(Rate Limit) = %q", got)
	}
}
