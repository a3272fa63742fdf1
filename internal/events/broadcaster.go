package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Stats is the aggregate snapshot pushed with every StatsUpdate.
type Stats struct {
	ActiveSessions    int   `json:"totalActiveSessions"`
	TotalUsers        int64 `json:"totalUsers"`
	CodesIssued       int64 `json:"codesGenerated"`
	ConnectedSessions int   `json:"connectedSessions"`
	ActiveWorkers     int   `json:"activeBots"`
}

// NewStatsEvent builds a StatsUpdate event carrying s.
func NewStatsEvent(s Stats, correlationID string) *Event {
	return New(StatsUpdate, correlationID).WithData("totalActiveSessions", s.ActiveSessions).
		WithData("totalUsers", s.TotalUsers).
		WithData("codesGenerated", s.CodesIssued).
		WithData("connectedSessions", s.ConnectedSessions).
		WithData("activeBots", s.ActiveWorkers)
}

// StatsSource computes a fresh Stats snapshot.
type StatsSource func() Stats

// Broadcaster fans events out to subscribers and sinks. Delivery never
// blocks: a subscriber whose buffer is full loses its oldest event.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[string]chan *Event
	sinks   []Emitter
	stats   StatsSource
	bufSize int
	closed  bool
	logger  *slog.Logger
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithBufferSize sets the per-subscriber buffer.
func WithBufferSize(n int) BroadcasterOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// WithStatsSource makes every non-stats event trigger a fresh StatsUpdate.
func WithStatsSource(src StatsSource) BroadcasterOption {
	return func(b *Broadcaster) { b.stats = src }
}

// WithSink forwards every event to e.
func WithSink(e Emitter) BroadcasterOption {
	return func(b *Broadcaster) { b.sinks = append(b.sinks, e) }
}

// WithBroadcasterLogger sets the logger.
func WithBroadcasterLogger(l *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) { b.logger = l }
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		subs:    make(map[string]chan *Event),
		bufSize: 16,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetStatsSource replaces the stats source after construction, for owners
// that need the broadcaster before the source exists.
func (b *Broadcaster) SetStatsSource(src StatsSource) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats = src
}

// Subscribe registers a new subscriber.
func (b *Broadcaster) Subscribe() (string, <-chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan *Event, b.bufSize)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Subscribers returns the number of live subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Emit implements Emitter.
func (b *Broadcaster) Emit(e *Event) {
	b.deliver(e)
	if e.Type == StatsUpdate {
		return
	}
	b.mu.RLock()
	src := b.stats
	b.mu.RUnlock()
	if src != nil {
		b.deliver(NewStatsEvent(src(), e.CorrelationID))
	}
}

// PublishStats computes and pushes a stats snapshot.
func (b *Broadcaster) PublishStats() Stats {
	b.mu.RLock()
	src := b.stats
	b.mu.RUnlock()
	if src == nil {
		return Stats{}
	}
	s := src()
	b.deliver(NewStatsEvent(s, ""))
	return s
}

// Close closes every subscriber channel. Later subscribers get a closed
// channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *Broadcaster) deliver(e *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- e:
			continue
		default:
		}
		// Latest wins: make room by discarding the oldest queued event.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- e:
		default:
			b.logger.Debug("dropping event for slow subscriber", "subscriber", id, "type", e.Type)
		}
	}
	for _, sink := range b.sinks {
		sink.Emit(e)
	}
}
