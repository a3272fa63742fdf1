// Package events defines the status events pushed to dashboards and the
// broadcaster that fans them out to subscribers and sinks.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type represents the kind of event.
type Type string

const (
	// StatsUpdate carries an aggregate Stats snapshot.
	StatsUpdate Type = "statsUpdate"
	// BotStatusUpdate reports a worker connecting or disconnecting.
	BotStatusUpdate Type = "botStatusUpdate"
	// SessionUpdate reports a session lifecycle transition.
	SessionUpdate Type = "sessionUpdate"
)

// Event is a structured status event.
type Event struct {
	Type          Type                   `json:"type"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlationId"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

// New creates a new event with the given type and correlation ID. An empty
// correlation ID is replaced by a fresh one.
func New(eventType Type, correlationID string) *Event {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return &Event{
		Type:          eventType,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
	}
}

// WithData adds data fields to the event and returns it for chaining.
func (e *Event) WithData(key string, value interface{}) *Event {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}

// JSON returns the event serialized as JSON.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Emitter is the interface for event consumers.
type Emitter interface {
	Emit(event *Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

// Emit implements Emitter by discarding the event.
func (NoopEmitter) Emit(*Event) {}

// CollectorEmitter collects events in memory for testing.
type CollectorEmitter struct {
	mu     sync.Mutex
	events []*Event
}

// Emit appends the event to the collector.
func (c *CollectorEmitter) Emit(event *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns the collected events.
func (c *CollectorEmitter) Events() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Event(nil), c.events...)
}

// OfType returns the collected events of type t.
func (c *CollectorEmitter) OfType(t Type) []*Event {
	var out []*Event
	for _, e := range c.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
