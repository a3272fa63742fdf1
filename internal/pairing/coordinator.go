// Package pairing drives the pairing-code handshake for one session at a
// time: connect, request a code, await the network's verdict, and hand the
// resulting credentials to the worker supervisor.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szaher/designs/botfleet/internal/credentials"
	"github.com/szaher/designs/botfleet/internal/events"
	"github.com/szaher/designs/botfleet/internal/session"
	"github.com/szaher/designs/botfleet/internal/telemetry"
	"github.com/szaher/designs/botfleet/internal/transport"
)

// Messages recorded on sessions that end in error or timeout.
const (
	MsgInvalidCode     = "Pairing code invalid or expired. Please request a new code."
	MsgTooManyAttempts = "Too many attempts. Please wait before trying again."
	MsgLoggedOut       = "Logged out. Please try again."
	MsgBadRequest      = "Invalid request. Please check your number and try again."
	MsgMaxAttempts     = "Failed to connect after multiple attempts. Please try again."
	MsgRestartFailed   = "Failed to restart connection after pairing"
	MsgTimeout         = "Pairing timeout. Please try again with a new code."
	MsgCanceled        = "Pairing canceled. Please try again."

	MsgCodeRateLimited = "Rate limited. Please wait before requesting another code."
	MsgCodeInvalid     = "Invalid phone number format. Please check your number."
	MsgCodeTimeout     = "Request timeout. Please try again."
	MsgCodeFailed      = "Failed to get pairing code"
)

// Outcome is the terminal result of a handshake.
type Outcome string

const (
	OutcomePaired   Outcome = "paired"
	OutcomeFailed   Outcome = "failed"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeCanceled Outcome = "canceled"
)

// Config tunes the handshake timing.
type Config struct {
	// SettleDelay is waited after dialing before a code may be requested.
	SettleDelay time.Duration
	// HandshakeTimeout bounds the whole handshake, retries included.
	HandshakeTimeout time.Duration
	// MaxAttempts is the number of full connection attempts.
	MaxAttempts int
	// RetryBackoff is waited between connection attempts.
	RetryBackoff time.Duration
	// ReconnectDelay is waited before the single reconnect that follows a
	// restart-required close.
	ReconnectDelay time.Duration
	// FlushTimeout bounds how long a registered client may take to write
	// its final credentials before it is killed.
	FlushTimeout time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		SettleDelay:      3 * time.Second,
		HandshakeTimeout: 5 * time.Minute,
		MaxAttempts:      3,
		RetryBackoff:     5 * time.Second,
		ReconnectDelay:   3 * time.Second,
		FlushTimeout:     8 * time.Second,
	}
}

// Handoff receives a freshly paired session, normally to start its worker.
type Handoff func(ctx context.Context, id string) error

// Deps are the collaborators of a Coordinator. Emitter, Metrics, Handoff and
// Logger are optional.
type Deps struct {
	Registry *session.Registry
	Store    *credentials.Store
	Dialer   transport.Dialer
	Emitter  events.Emitter
	Metrics  *telemetry.Metrics
	Handoff  Handoff
	Logger   *slog.Logger
}

// Coordinator runs handshakes. Each session's handshake is strictly
// sequential; different sessions run concurrently.
type Coordinator struct {
	cfg      Config
	registry *session.Registry
	store    *credentials.Store
	dialer   transport.Dialer
	emitter  events.Emitter
	metrics  *telemetry.Metrics
	handoff  Handoff
	logger   *slog.Logger

	wg          sync.WaitGroup
	codesIssued atomic.Int64
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config, deps Deps) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultConfig().FlushTimeout
	}
	c := &Coordinator{
		cfg:      cfg,
		registry: deps.Registry,
		store:    deps.Store,
		dialer:   deps.Dialer,
		emitter:  deps.Emitter,
		metrics:  deps.Metrics,
		handoff:  deps.Handoff,
		logger:   deps.Logger,
	}
	if c.emitter == nil {
		c.emitter = events.NoopEmitter{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// CodesIssued is the number of pairing codes handed out since start.
func (c *Coordinator) CodesIssued() int64 { return c.codesIssued.Load() }

// Start runs the handshake for id in the background. ctx should outlive the
// request that created the session.
func (c *Coordinator) Start(ctx context.Context, id string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Run(ctx, id)
	}()
}

// Wait blocks until every handshake started with Start has returned.
func (c *Coordinator) Wait() { c.wg.Wait() }

type result struct {
	outcome Outcome
	message string
	dir     string
	retry   bool
}

func failed(msg string) result { return result{outcome: OutcomeFailed, message: msg} }

func contextResult(ctx context.Context) result {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return result{outcome: OutcomeTimeout, message: MsgTimeout}
	}
	return result{outcome: OutcomeCanceled, message: MsgCanceled}
}

// Run performs the handshake for id and records the outcome on the session.
func (c *Coordinator) Run(ctx context.Context, id string) (outcome Outcome) {
	start := time.Now()
	logger := telemetry.SessionLogger(c.logger, ctx, id)

	sess, err := c.registry.Get(id)
	if err != nil {
		logger.Warn("pairing skipped", "error", err)
		return OutcomeFailed
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("pairing panicked", "panic", r)
			outcome = c.finish(ctx, logger, id, failed(fmt.Sprintf("Connection error: %v", r)))
		}
		c.metrics.RecordHandshake(string(outcome), time.Since(start))
	}()

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	logger.Info("pairing started")
	return c.finish(ctx, logger, id, c.handshake(hctx, logger, sess))
}

func (c *Coordinator) handshake(ctx context.Context, logger *slog.Logger, sess session.Session) result {
	for attempt := 1; ; attempt++ {
		res := c.attempt(ctx, logger, sess, attempt)
		if !res.retry {
			return res
		}
		if attempt >= c.cfg.MaxAttempts {
			logger.Warn("max connection attempts reached", "attempts", attempt)
			return failed(MsgMaxAttempts)
		}
		logger.Info("reconnecting", "attempt", attempt+1, "max_attempts", c.cfg.MaxAttempts)
		if err := sleep(ctx, c.cfg.RetryBackoff); err != nil {
			return contextResult(ctx)
		}
	}
}

func (c *Coordinator) attempt(ctx context.Context, logger *slog.Logger, sess session.Session, n int) result {
	dir, err := c.store.ResetPairingDir(sess.ID)
	if err != nil {
		return failed("Connection error: " + err.Error())
	}
	c.update(ctx, logger, sess.ID, func(s *session.Session) {
		s.Phase = session.Processing{Attempt: n}
	})

	conn, err := c.dialer.Dial(ctx, dir)
	if err != nil {
		if ctx.Err() != nil {
			return contextResult(ctx)
		}
		_ = c.store.RemovePairingDir(sess.ID)
		return failed("Connection error: " + err.Error())
	}
	defer conn.Close()

	if err := sleep(ctx, c.cfg.SettleDelay); err != nil {
		return contextResult(ctx)
	}

	code, err := conn.RequestPairingCode(ctx, sess.Subject)
	if err != nil {
		if ctx.Err() != nil {
			return contextResult(ctx)
		}
		logger.Warn("pairing code request failed", "error", err)
		return failed(ClassifyCodeError(err))
	}
	c.codesIssued.Add(1)
	c.metrics.CodeIssued()
	c.update(ctx, logger, sess.ID, func(s *session.Session) {
		s.PairingCode = code
		s.CodeIssuedAt = time.Now()
	})
	logger.Info("pairing code issued", "attempt", n)

	return c.await(ctx, logger, sess.ID, dir, conn)
}

func (c *Coordinator) await(ctx context.Context, logger *slog.Logger, id, dir string, conn transport.Conn) result {
	for {
		select {
		case <-ctx.Done():
			return contextResult(ctx)
		case ev, ok := <-conn.Events():
			if !ok {
				return result{retry: true}
			}
			logger.Debug("connection update", "event", ev.String())
			switch ev.Kind {
			case transport.KindOpen:
				c.markConnected(ctx, logger, id, ev.Registered)
				if ev.Registered {
					return c.paired(ctx, logger, dir, conn)
				}
			case transport.KindClose:
				logger.Info("pairing connection closed", "reason", ev.Reason, "status", ev.Status)
				switch ev.Reason {
				case transport.ReasonRestartRequired:
					_ = conn.Close()
					return c.reconnect(ctx, logger, id, dir)
				case transport.ReasonUnauthorized:
					return failed(MsgInvalidCode)
				case transport.ReasonRateLimited:
					return failed(MsgTooManyAttempts)
				case transport.ReasonLoggedOut:
					return failed(MsgLoggedOut)
				case transport.ReasonBadRequest:
					return failed(MsgBadRequest)
				default:
					return result{retry: true}
				}
			}
		}
	}
}

// reconnect dials once more with the same credential directory, as the
// network requires after accepting a code.
func (c *Coordinator) reconnect(ctx context.Context, logger *slog.Logger, id, dir string) result {
	if err := sleep(ctx, c.cfg.ReconnectDelay); err != nil {
		return contextResult(ctx)
	}
	conn, err := c.dialer.Dial(ctx, dir)
	if err != nil {
		if ctx.Err() != nil {
			return contextResult(ctx)
		}
		logger.Warn("reconnect after restart failed", "error", err)
		return failed(MsgRestartFailed)
	}
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return contextResult(ctx)
		case ev, ok := <-conn.Events():
			if !ok {
				return failed(MsgRestartFailed)
			}
			switch ev.Kind {
			case transport.KindOpen:
				c.markConnected(ctx, logger, id, ev.Registered)
				if ev.Registered {
					return c.paired(ctx, logger, dir, conn)
				}
			case transport.KindClose:
				logger.Warn("reconnect after restart closed", "reason", ev.Reason, "status", ev.Status)
				return failed(MsgRestartFailed)
			}
		}
	}
}

// paired lets the registered client flush its credentials into dir before
// they are snapshotted.
func (c *Coordinator) paired(ctx context.Context, logger *slog.Logger, dir string, conn transport.Conn) result {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FlushTimeout)
	defer cancel()
	if err := conn.Finish(fctx); err != nil {
		logger.Warn("client did not exit cleanly after pairing", "error", err)
	}
	return result{outcome: OutcomePaired, dir: dir}
}

func (c *Coordinator) markConnected(ctx context.Context, logger *slog.Logger, id string, paired bool) {
	c.update(ctx, logger, id, func(s *session.Session) {
		p, _ := s.Handshake()
		p.Connected = true
		p.Paired = paired
		s.Phase = p
	})
}

func (c *Coordinator) finish(ctx context.Context, logger *slog.Logger, id string, res result) Outcome {
	var bundle *credentials.Bundle
	if res.outcome == OutcomePaired {
		b, err := credentials.Snapshot(res.dir)
		if err == nil {
			err = b.Validate()
		}
		if err != nil {
			logger.Error("export credentials failed", "error", err)
			res = failed("Connection error: " + err.Error())
		} else {
			bundle = b
		}
	}
	if err := c.store.RemovePairingDir(id); err != nil {
		logger.Warn("remove pairing dir failed", "error", err)
	}

	s, err := c.registry.Update(id, func(s *session.Session) error {
		switch res.outcome {
		case OutcomePaired:
			s.Phase = session.Completed{Credentials: bundle}
		case OutcomeTimeout:
			s.Phase = session.TimedOut{Reason: res.message}
		default:
			s.Phase = session.Failed{Message: res.message}
		}
		return nil
	})
	if err != nil {
		logger.Warn("record pairing outcome failed", "outcome", res.outcome, "error", err)
		return OutcomeFailed
	}
	c.emitter.Emit(events.NewSessionEvent(s, telemetry.CorrelationID(ctx)))

	if res.outcome != OutcomePaired {
		logger.Info("pairing finished", "outcome", res.outcome, "message", res.message)
		return res.outcome
	}
	logger.Info("pairing completed", "files", len(bundle.Files()))
	if c.handoff != nil {
		if err := c.handoff(ctx, id); err != nil {
			logger.Error("worker handoff failed", "error", err)
		}
	}
	return OutcomePaired
}

func (c *Coordinator) update(ctx context.Context, logger *slog.Logger, id string, fn func(*session.Session)) {
	s, err := c.registry.Update(id, func(s *session.Session) error {
		fn(s)
		return nil
	})
	if err != nil {
		logger.Debug("session update skipped", "error", err)
		return
	}
	c.emitter.Emit(events.NewSessionEvent(s, telemetry.CorrelationID(ctx)))
}

// ClassifyCodeError maps a failed code request to a user-facing message.
func ClassifyCodeError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"):
		return MsgCodeRateLimited
	case strings.Contains(msg, "invalid"):
		return MsgCodeInvalid
	case strings.Contains(msg, "timeout"), errors.Is(err, context.DeadlineExceeded):
		return MsgCodeTimeout
	default:
		return MsgCodeFailed
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
