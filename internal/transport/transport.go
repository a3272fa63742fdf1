// Package transport defines the contract between the pairing coordinator and
// the messaging-network client that performs the handshake.
package transport

import (
	"context"
	"fmt"
)

// EventKind is the connection state reported by a Conn.
type EventKind string

const (
	KindConnecting EventKind = "connecting"
	KindOpen       EventKind = "open"
	KindClose      EventKind = "close"
)

// Reason classifies why a connection closed.
type Reason string

const (
	ReasonRestartRequired Reason = "restart_required"
	ReasonUnauthorized    Reason = "unauthorized"
	ReasonRateLimited     Reason = "rate_limited"
	// ReasonLoggedOut is only reported when the client says so explicitly;
	// the network signals it with the same 401 status as a rejected code.
	ReasonLoggedOut  Reason = "logged_out"
	ReasonBadRequest Reason = "bad_request"
	ReasonOther      Reason = "other"
)

// Event is one connection update. Registered is true once the network has
// accepted the pairing code and written the account credentials.
type Event struct {
	Kind       EventKind `json:"kind"`
	Registered bool      `json:"registered,omitempty"`
	Status     int       `json:"status,omitempty"`
	Reason     Reason    `json:"reason,omitempty"`
	Message    string    `json:"message,omitempty"`
}

func (e Event) String() string {
	switch e.Kind {
	case KindClose:
		return fmt.Sprintf("close(%s, status=%d)", e.Reason, e.Status)
	case KindOpen:
		return fmt.Sprintf("open(registered=%t)", e.Registered)
	}
	return string(e.Kind)
}

// Conn is a live handshake connection. Events is closed when the underlying
// client goes away.
type Conn interface {
	Events() <-chan Event
	RequestPairingCode(ctx context.Context, subject string) (string, error)
	// Finish lets the client persist its final credentials and exit. It
	// returns once the client is gone, or kills it when ctx is done.
	Finish(ctx context.Context) error
	Close() error
}

// Dialer opens connections that persist their credentials in authDir.
type Dialer interface {
	Dial(ctx context.Context, authDir string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, authDir string) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, authDir string) (Conn, error) { return f(ctx, authDir) }

// ClassifyStatus maps a network disconnect status code to a Reason. A 401 is
// reported as ReasonUnauthorized: a logout carries the same status and can
// only be told apart by an explicit reason from the client.
func ClassifyStatus(status int) Reason {
	switch status {
	case 515:
		return ReasonRestartRequired
	case 401:
		return ReasonUnauthorized
	case 429:
		return ReasonRateLimited
	case 400:
		return ReasonBadRequest
	default:
		return ReasonOther
	}
}

// Normalize fills in Reason from Status for close events that only carry a
// status code.
func (e Event) Normalize() Event {
	if e.Kind == KindClose && e.Reason == "" {
		e.Reason = ClassifyStatus(e.Status)
	}
	return e
}
