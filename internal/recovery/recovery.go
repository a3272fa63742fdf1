// Package recovery resumes sessions whose credentials survived a restart
// of the service.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/szaher/designs/botfleet/internal/credentials"
	"github.com/szaher/designs/botfleet/internal/events"
	"github.com/szaher/designs/botfleet/internal/session"
)

// RecoveredSubject is the subject recorded on resumed sessions.
const RecoveredSubject = "auto-started"

// Found is a credential directory discovered on disk.
type Found struct {
	ID  string
	Dir string
}

// Scan lists the subdirectories of root that hold credentials. Hidden
// entries are staging directories and are skipped. A missing root yields
// no results.
func Scan(root string) ([]Found, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	var found []Found
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") || credentials.ValidateID(e.Name()) != nil {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if credentials.HasCredentials(dir) {
			found = append(found, Found{ID: e.Name(), Dir: dir})
		}
	}
	return found, nil
}

// Starter launches the worker of a session.
type Starter interface {
	Start(ctx context.Context, id string) error
}

// Recoverer admits recovered sessions into the registry and starts their
// workers.
type Recoverer struct {
	registry *session.Registry
	store    *credentials.Store
	starter  Starter
	emitter  events.Emitter
	settle   time.Duration
	logger   *slog.Logger
}

// Option configures a Recoverer.
type Option func(*Recoverer)

// WithEmitter publishes a session event per recovered session.
func WithEmitter(e events.Emitter) Option { return func(r *Recoverer) { r.emitter = e } }

// WithSettleDelay sets how long Watch waits after the last change in a
// directory before reading it.
func WithSettleDelay(d time.Duration) Option { return func(r *Recoverer) { r.settle = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Recoverer) { r.logger = l } }

// New creates a Recoverer.
func New(registry *session.Registry, store *credentials.Store, starter Starter, opts ...Option) *Recoverer {
	r := &Recoverer{
		registry: registry,
		store:    store,
		starter:  starter,
		emitter:  events.NoopEmitter{},
		settle:   500 * time.Millisecond,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Recover admits every credential directory not already in the registry and
// returns how many sessions were resumed.
func (r *Recoverer) Recover(ctx context.Context) (int, error) {
	found, err := Scan(r.store.SessionsRoot())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range found {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ok, err := r.admit(ctx, f.ID)
		if err != nil {
			r.logger.Warn("session recovery failed", "session_id", f.ID, "error", err)
			continue
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		r.logger.Info("recovered sessions", "count", n)
	}
	return n, nil
}

// admit resumes id. It reports false when the session is already known.
func (r *Recoverer) admit(ctx context.Context, id string) (bool, error) {
	if _, err := r.registry.Get(id); err == nil {
		return false, nil
	}
	bundle, err := r.store.Load(id)
	if err != nil {
		return false, err
	}
	s := session.Session{
		ID:        id,
		Name:      session.NameFor(id),
		Subject:   RecoveredSubject,
		CreatedAt: time.Now(),
		Phase:     session.Completed{Credentials: bundle},
		// The previous run's state is unknown; assume the worker was
		// connected so the health check restarts it if it dies.
		Worker:    session.WorkerStatus{WasConnected: true},
		Recovered: true,
	}
	if err := r.registry.Admit(s); err != nil {
		if errors.Is(err, session.ErrExists) {
			return false, nil
		}
		return false, err
	}
	r.logger.Info("session recovered", "session_id", id, "session_name", s.Name)
	r.emitter.Emit(events.NewSessionEvent(s, ""))

	if err := r.starter.Start(ctx, id); err != nil {
		r.logger.Error("start recovered worker failed", "session_id", id, "error", err)
	}
	return true, nil
}
