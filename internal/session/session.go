// Package session defines the pairing session model and the in-memory
// registry shared by the coordinator, supervisor, sweeper and broadcaster.
package session

import (
	"time"

	"github.com/szaher/designs/botfleet/internal/credentials"
)

// State is the externally visible lifecycle state of a session.
type State string

const (
	StateWaiting    State = "waiting"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateTimeout    State = "timeout"
	StateError      State = "error"
)

// Phase is the lifecycle variant of a session. Each variant carries only the
// fields that are meaningful in that state.
type Phase interface {
	State() State
	sealed()
}

// Waiting is the phase of a freshly created session.
type Waiting struct{}

// Processing is the phase while the handshake runs.
type Processing struct {
	Connected bool `json:"connected"`
	Paired    bool `json:"paired"`
	Attempt   int  `json:"attempt"`
}

// Completed holds the credential bundle exported after a successful pairing.
type Completed struct {
	Credentials *credentials.Bundle `json:"-"`
}

// TimedOut means the handshake deadline passed without an outcome.
type TimedOut struct {
	Reason string `json:"reason"`
}

// Failed is a terminal handshake error.
type Failed struct {
	Message string `json:"message"`
}

func (Waiting) State() State    { return StateWaiting }
func (Processing) State() State { return StateProcessing }
func (Completed) State() State  { return StateCompleted }
func (TimedOut) State() State   { return StateTimeout }
func (Failed) State() State     { return StateError }

func (Waiting) sealed()    {}
func (Processing) sealed() {}
func (Completed) sealed()  {}
func (TimedOut) sealed()   {}
func (Failed) sealed()     {}

// WorkerStatus mirrors what the supervisor knows about the session's child
// process. WasConnected is sticky until the session is removed.
type WorkerStatus struct {
	ProcessStarted bool      `json:"processStarted"`
	Connected      bool      `json:"connected"`
	WasConnected   bool      `json:"wasConnected"`
	Stopped        bool      `json:"stopped"`
	StartedAt      time.Time `json:"startedAt,omitempty"`
}

// Session is a snapshot of one pairing identity. Values returned by the
// Registry are copies; mutate through Registry.Update.
type Session struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Subject      string       `json:"subject"`
	CreatedAt    time.Time    `json:"createdAt"`
	CodeIssuedAt time.Time    `json:"codeIssuedAt,omitempty"`
	PairingCode  string       `json:"-"`
	Phase        Phase        `json:"-"`
	Worker       WorkerStatus `json:"worker"`
	Recovered    bool         `json:"recovered"`
}

// State returns the lifecycle state of the current phase.
func (s Session) State() State {
	if s.Phase == nil {
		return StateWaiting
	}
	return s.Phase.State()
}

// Paired reports whether the session finished pairing and owns credentials.
func (s Session) Paired() bool {
	c, ok := s.Phase.(Completed)
	return ok && c.Credentials != nil
}

// Credentials returns the bundle of a completed session, or nil.
func (s Session) Credentials() *credentials.Bundle {
	if c, ok := s.Phase.(Completed); ok {
		return c.Credentials
	}
	return nil
}

// Handshake returns the processing flags, if the session is mid-handshake.
func (s Session) Handshake() (Processing, bool) {
	p, ok := s.Phase.(Processing)
	return p, ok
}

// ErrorMessage returns the human-readable failure reason for error and
// timeout phases.
func (s Session) ErrorMessage() string {
	switch p := s.Phase.(type) {
	case Failed:
		return p.Message
	case TimedOut:
		return p.Reason
	}
	return ""
}

// Age is the time elapsed since the session was created.
func (s Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// IsConnected reports whether the pairing connection came up, either during
// the handshake or because the session is already paired.
func (s Session) IsConnected() bool {
	if p, ok := s.Phase.(Processing); ok {
		return p.Connected
	}
	return s.Paired()
}
