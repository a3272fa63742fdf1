// Package server exposes the fleet over HTTP: pairing requests, code
// long-polling, status, worker administration, push events and metrics.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/szaher/designs/botfleet/internal/auth"
	"github.com/szaher/designs/botfleet/internal/events"
	"github.com/szaher/designs/botfleet/internal/fleet"
	"github.com/szaher/designs/botfleet/internal/session"
	"github.com/szaher/designs/botfleet/internal/supervisor"
	"github.com/szaher/designs/botfleet/internal/telemetry"
)

// Fleet is the service surface the handlers need.
type Fleet interface {
	Submit(ctx context.Context, number string) (session.Session, error)
	WaitForCode(ctx context.Context, id string) (session.Session, error)
	Status(id string) (session.Session, error)
	Age(s session.Session) time.Duration
	AuthDir(id string) string
	Stats() events.Stats
	RateLimitWindow() time.Duration
	Workers() []supervisor.WorkerInfo
	StopWorker(id string) error
	ArchiveCredentials(id string, w io.Writer) error
	HealthSnapshot() fleet.HealthSnapshot
	Broadcaster() *events.Broadcaster
}

// Server is the HTTP front end.
type Server struct {
	fleet     Fleet
	mux       *http.ServeMux
	logger    *slog.Logger
	apiKey    string
	tokens    *auth.Tokens
	limiter   *auth.RateLimiter
	metrics   *telemetry.Metrics
	version   string
	heartbeat time.Duration
	keyFunc   func(*http.Request) string
	started   time.Time

	// closing is canceled by Shutdown so long-lived handlers return before
	// the listener drains.
	closing context.Context
	close   context.CancelFunc

	mu     sync.Mutex
	server *http.Server
}

// Option configures the Server.
type Option func(*Server)

// WithAPIKey protects the administrative routes.
func WithAPIKey(key string) Option { return func(s *Server) { s.apiKey = key } }

// WithTokens also accepts signed administrative tokens on protected routes.
func WithTokens(t *auth.Tokens) Option { return func(s *Server) { s.tokens = t } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithRateLimiter limits pairing submissions per client and blocks clients
// that repeatedly present bad keys.
func WithRateLimiter(rl *auth.RateLimiter) Option { return func(s *Server) { s.limiter = rl } }

// WithMetrics serves /metrics from m.
func WithMetrics(m *telemetry.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithVersion sets the version reported by the banner.
func WithVersion(v string) Option { return func(s *Server) { s.version = v } }

// WithHeartbeat sets the keep-alive interval of the event stream.
func WithHeartbeat(d time.Duration) Option { return func(s *Server) { s.heartbeat = d } }

// WithClientKeyFunc sets how clients are identified for rate limiting.
// Defaults to the remote address.
func WithClientKeyFunc(fn func(*http.Request) string) Option {
	return func(s *Server) { s.keyFunc = fn }
}

// New creates a server for f.
func New(f Fleet, opts ...Option) *Server {
	s := &Server{
		fleet:     f,
		logger:    slog.Default(),
		version:   "dev",
		heartbeat: 25 * time.Second,
		keyFunc:   auth.ClientIPKeyFunc,
		started:   time.Now(),
	}
	s.closing, s.close = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}

	protect := auth.Middleware(auth.Options{APIKey: s.apiKey, Tokens: s.tokens, Limiter: s.limiter, KeyFunc: s.keyFunc})
	submit := http.Handler(http.HandlerFunc(s.handleSubmit))
	if s.limiter != nil {
		submit = s.limiter.Middleware(s.keyFunc)(submit)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("POST /api/number", submit)
	mux.HandleFunc("GET /api/pairing-code/{sessionId}", s.handlePairingCode)
	mux.HandleFunc("GET /api/session/{sessionId}", s.handleSession)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.Handle("GET /api/active-bots", protect(http.HandlerFunc(s.handleActiveBots)))
	mux.Handle("POST /api/stop-bot/{sessionId}", protect(http.HandlerFunc(s.handleStopBot)))
	mux.Handle("GET /api/auth-folder/{sessionId}", protect(http.HandlerFunc(s.handleAuthFolder)))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	s.mux = mux
	return s
}

// Handler returns the root handler, for httptest or custom servers.
func (s *Server) Handler() http.Handler {
	return s.withRequestContext(s.mux)
}

// ListenAndServe serves on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It returns nil at once
// when Shutdown already ran.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing.Err() != nil {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("http server starting", "addr", ln.Addr().String())
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown ends event streams and pending long-polls, then gracefully stops
// the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.close()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withRequestContext attaches a correlation ID and logs each request.
func (s *Server) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get("X-Request-ID"))
		w.Header().Set("X-Request-ID", telemetry.CorrelationID(ctx))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"correlation_id", telemetry.CorrelationID(ctx),
		)
	})
}
