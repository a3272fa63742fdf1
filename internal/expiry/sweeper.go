// Package expiry removes abandoned pairing sessions.
package expiry

import (
	"log/slog"
	"time"

	"github.com/szaher/designs/botfleet/internal/events"
	"github.com/szaher/designs/botfleet/internal/session"
	"github.com/szaher/designs/botfleet/internal/telemetry"
)

// WorkerStopper stops a session's worker, if any.
type WorkerStopper interface {
	Running(id string) bool
	Stop(id string) error
}

// Sweeper deletes sessions that outlived the expiry window without pairing.
// Paired sessions are never removed.
type Sweeper struct {
	registry *session.Registry
	workers  WorkerStopper
	window   time.Duration
	emitter  events.Emitter
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithEmitter publishes a stats refresh after removals.
func WithEmitter(e events.Emitter) Option { return func(s *Sweeper) { s.emitter = e } }

// WithMetrics counts removals.
func WithMetrics(m *telemetry.Metrics) Option { return func(s *Sweeper) { s.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Sweeper) { s.logger = l } }

// New creates a sweeper. workers may be nil.
func New(registry *session.Registry, workers WorkerStopper, window time.Duration, opts ...Option) *Sweeper {
	s := &Sweeper{
		registry: registry,
		workers:  workers,
		window:   window,
		emitter:  events.NoopEmitter{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep removes expired sessions and returns their identifiers.
func (s *Sweeper) Sweep(now time.Time) []string {
	var removed []string
	for _, sess := range s.registry.List() {
		if sess.Paired() || sess.Age(now) <= s.window {
			continue
		}
		if s.workers != nil && s.workers.Running(sess.ID) {
			if err := s.workers.Stop(sess.ID); err != nil {
				s.logger.Warn("stop worker of expired session failed", "session_id", sess.ID, "error", err)
			}
		}
		if s.registry.Delete(sess.ID) {
			removed = append(removed, sess.ID)
			s.logger.Info("session expired", "session_id", sess.ID, "state", sess.State(), "age", sess.Age(now).Round(time.Second))
		}
	}
	if len(removed) > 0 {
		s.metrics.SessionsExpired(len(removed))
		s.emitter.Emit(events.New(events.SessionUpdate, "").
			WithData("expired", removed))
	}
	return removed
}
