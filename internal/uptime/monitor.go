// Package uptime keeps the service warm on hosts that idle unrequested
// instances, by periodically requesting its own public endpoints.
package uptime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultPaths are the endpoints pinged on every round.
var DefaultPaths = []string{"/api/health", "/api/stats", "/"}

// Result is the outcome of one ping.
type Result struct {
	Path    string
	Status  int
	Latency time.Duration
	Err     error
}

// Monitor pings a fixed set of paths on a base URL.
type Monitor struct {
	baseURL string
	paths   []string
	client  *http.Client
	gap     time.Duration
	logger  *slog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithPaths replaces DefaultPaths.
func WithPaths(paths ...string) Option { return func(m *Monitor) { m.paths = paths } }

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option { return func(m *Monitor) { m.client.Timeout = d } }

// WithGap sets the pause between consecutive pings of a round.
func WithGap(d time.Duration) Option { return func(m *Monitor) { m.gap = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.logger = l } }

// New creates a monitor for baseURL.
func New(baseURL string, opts ...Option) *Monitor {
	m := &Monitor{
		baseURL: strings.TrimRight(baseURL, "/"),
		paths:   DefaultPaths,
		client:  &http.Client{Timeout: 10 * time.Second},
		gap:     time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ping requests every path once, in order.
func (m *Monitor) Ping(ctx context.Context) []Result {
	results := make([]Result, 0, len(m.paths))
	for i, path := range m.paths {
		if i > 0 && m.gap > 0 {
			select {
			case <-ctx.Done():
				return results
			case <-time.After(m.gap):
			}
		}
		r := m.ping(ctx, path)
		if r.Err != nil {
			m.logger.Warn("uptime ping failed", "path", path, "error", r.Err)
		} else {
			m.logger.Debug("uptime ping", "path", path, "status", r.Status, "latency", r.Latency)
		}
		results = append(results, r)
	}
	return results
}

func (m *Monitor) ping(ctx context.Context, path string) Result {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path, nil)
	if err != nil {
		return Result{Path: path, Err: fmt.Errorf("create ping request: %w", err)}
	}
	req.Header.Set("User-Agent", "botfleet-uptime")
	resp, err := m.client.Do(req)
	if err != nil {
		return Result{Path: path, Latency: time.Since(start), Err: err}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	r := Result{Path: path, Status: resp.StatusCode, Latency: time.Since(start)}
	if resp.StatusCode >= 500 {
		r.Err = fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return r
}

// WaitForHealth polls the health endpoint until it returns 200 or the
// timeout expires.
func WaitForHealth(ctx context.Context, baseURL string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	interval := 200 * time.Millisecond
	client := &http.Client{Timeout: 2 * time.Second}
	url := strings.TrimRight(baseURL, "/") + "/api/health"

	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("create health request: %w", err)
		}
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		// Exponential backoff up to 2 seconds
		if interval < 2*time.Second {
			interval = interval * 3 / 2
		}
	}
	return fmt.Errorf("health check timed out after %s", timeout)
}
