package events

import "github.com/szaher/designs/botfleet/internal/session"

// NewSessionEvent describes the current state of s. The pairing code and
// credentials are never included.
func NewSessionEvent(s session.Session, correlationID string) *Event {
	e := New(SessionUpdate, correlationID).
		WithData("sessionId", s.ID).
		WithData("sessionName", s.Name).
		WithData("status", string(s.State())).
		WithData("hasPairingCode", s.PairingCode != "").
		WithData("botProcessStarted", s.Worker.ProcessStarted).
		WithData("botConnected", s.Worker.Connected)
	if msg := s.ErrorMessage(); msg != "" {
		e.WithData("error", msg)
	}
	return e
}

// NewBotStatusEvent reports a worker status change such as "connected",
// "disconnected", "restarting" or "stopped".
func NewBotStatusEvent(sessionID, status, correlationID string) *Event {
	return New(BotStatusUpdate, correlationID).
		WithData("sessionId", sessionID).
		WithData("status", status)
}
