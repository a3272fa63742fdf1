package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

var (
	// ErrNotFound is returned for unknown session identifiers.
	ErrNotFound = errors.New("session not found")
	// ErrExists is returned by Admit when the identifier is already taken.
	ErrExists = errors.New("session already exists")
	// ErrSubjectCooldown rejects a repeated request for the same subject.
	ErrSubjectCooldown = errors.New("subject requested too recently")
	// ErrInvalidSubject rejects empty or malformed subjects.
	ErrInvalidSubject = errors.New("invalid subject")
	// ErrInvariant is returned when a mutation would leave the session
	// in an inconsistent state.
	ErrInvariant = errors.New("session invariant violated")
)

// Registry is the in-memory table of sessions keyed by identifier.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	newID    func() string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithIDGenerator overrides identifier generation.
func WithIDGenerator(fn func() string) RegistryOption {
	return func(r *Registry) { r.newID = fn }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		newID:    GenerateID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NormalizeSubject strips spaces, dashes, parentheses and a leading plus
// sign, and requires the remainder to be digits.
func NormalizeSubject(raw string) (string, error) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')':
		case r == '+' && i == 0:
		default:
			return "", fmt.Errorf("%w: unexpected character %q", ErrInvalidSubject, r)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("%w: subject is required", ErrInvalidSubject)
	}
	return b.String(), nil
}

// Create allocates a waiting session for subject. A request for a subject
// that already has a session younger than cooldown is rejected, whatever the
// outcome of that earlier session.
func (r *Registry) Create(subject string, cooldown time.Duration, now time.Time) (Session, error) {
	subject, err := NormalizeSubject(subject)
	if err != nil {
		return Session{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.Subject == subject && now.Sub(s.CreatedAt) < cooldown {
			return Session{}, ErrSubjectCooldown
		}
	}

	id := r.newID()
	for r.sessions[id] != nil {
		id = r.newID()
	}
	sess := &Session{
		ID:        id,
		Name:      NameFor(id),
		Subject:   subject,
		CreatedAt: now,
		Phase:     Waiting{},
	}
	r.sessions[id] = sess
	return *sess, nil
}

// Admit inserts a fully built session, used when resuming persisted
// credentials.
func (r *Registry) Admit(s Session) error {
	if err := s.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, s.ID)
	}
	r.sessions[s.ID] = &s
	return nil
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *s, nil
}

// Update applies fn to a copy of the session and stores the result if fn
// succeeds and the invariants still hold.
func (r *Registry) Update(id string, fn func(*Session) error) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := *cur
	if err := fn(&next); err != nil {
		return *cur, err
	}
	if err := next.validate(); err != nil {
		return *cur, err
	}
	if prev := cur.Credentials(); prev != nil && next.Credentials() != prev {
		return *cur, fmt.Errorf("%w: credentials of %s are immutable", ErrInvariant, id)
	}
	next.ID, next.Name, next.CreatedAt = cur.ID, cur.Name, cur.CreatedAt
	r.sessions[id] = &next
	return next, nil
}

// Delete removes a session and reports whether it existed.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.sessions[id]
	delete(r.sessions, id)
	return ok
}

// List returns every session ordered by creation time.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListActive returns sessions younger than window.
func (r *Registry) ListActive(now time.Time, window time.Duration) []Session {
	var out []Session
	for _, s := range r.List() {
		if s.Age(now) < window {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (s Session) validate() error {
	if s.Phase == nil {
		return fmt.Errorf("%w: %s has no phase", ErrInvariant, s.ID)
	}
	if c, ok := s.Phase.(Completed); ok && c.Credentials == nil {
		return fmt.Errorf("%w: %s completed without credentials", ErrInvariant, s.ID)
	}
	if s.Worker.ProcessStarted && !s.Paired() {
		return fmt.Errorf("%w: %s has a worker but is %s", ErrInvariant, s.ID, s.State())
	}
	return nil
}
