package events

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamAdder is the subset of the go-redis client used by RedisSink.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSink appends events to a capped Redis stream so other services can
// follow the fleet. Emit only enqueues; Run performs the writes.
type RedisSink struct {
	client  StreamAdder
	stream  string
	maxLen  int64
	timeout time.Duration
	queue   chan *Event
	dropped atomic.Int64
	logger  *slog.Logger
}

// RedisSinkConfig configures a RedisSink.
type RedisSinkConfig struct {
	// Stream is the stream key. Defaults to "botfleet:events".
	Stream string
	// MaxLen caps the stream length (approximate trim). Defaults to 1000.
	MaxLen int64
	// QueueSize bounds events waiting to be written. Defaults to 256.
	QueueSize int
	Logger    *slog.Logger
}

// NewRedisSink creates a sink writing through client.
func NewRedisSink(client StreamAdder, cfg RedisSinkConfig) *RedisSink {
	if cfg.Stream == "" {
		cfg.Stream = "botfleet:events"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 1000
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RedisSink{
		client:  client,
		stream:  cfg.Stream,
		maxLen:  cfg.MaxLen,
		timeout: 5 * time.Second,
		queue:   make(chan *Event, cfg.QueueSize),
		logger:  cfg.Logger,
	}
}

// NewRedisClient connects to addr.
func NewRedisClient(addr, password string, db int) redis.UniversalClient {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

// Emit implements Emitter. Events are dropped when the queue is full.
func (s *RedisSink) Emit(e *Event) {
	select {
	case s.queue <- e:
	default:
		s.dropped.Add(1)
	}
}

// Dropped is the number of events discarded because the queue was full.
func (s *RedisSink) Dropped() int64 { return s.dropped.Load() }

// Run writes queued events until ctx is done.
func (s *RedisSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-s.queue:
			if err := s.write(ctx, e); err != nil {
				s.logger.Warn("redis event sink write failed", "stream", s.stream, "error", err)
			}
		}
	}
}

func (s *RedisSink) write(ctx context.Context, e *Event) error {
	data, err := e.JSON()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{"type": string(e.Type), "d": data},
	}).Err()
}
