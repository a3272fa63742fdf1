package auth

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig holds token bucket settings.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultRateLimitConfig allows one request per second with a burst of ten
// per client.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 1, Burst: 10}
}

// RateLimiter implements per-client token buckets and tracks failed
// authentication attempts.
type RateLimiter struct {
	mu      sync.Mutex
	config  RateLimitConfig
	buckets map[string]*bucket
	now     func() time.Time

	authMu       sync.Mutex
	authFailures map[string]*authBucket
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

type authBucket struct {
	failures     int
	windowStart  time.Time
	blockedUntil time.Time
}

const (
	authMaxFailures   = 10
	authWindowDur     = time.Minute
	authBlockDur      = 5 * time.Minute
	authEvictInterval = 10 * time.Minute
)

// NewRateLimiter creates a limiter. Non-positive settings fall back to the
// defaults.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	def := DefaultRateLimitConfig()
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = def.RequestsPerSecond
	}
	if config.Burst <= 0 {
		config.Burst = def.Burst
	}
	return &RateLimiter{
		config:       config,
		buckets:      make(map[string]*bucket),
		authFailures: make(map[string]*authBucket),
		now:          time.Now,
	}
}

// Allow takes one token from key's bucket.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rl.config.Burst), lastRefill: now}
		rl.buckets[key] = b
	}
	b.tokens = math.Min(float64(rl.config.Burst), b.tokens+now.Sub(b.lastRefill).Seconds()*rl.config.RequestsPerSecond)
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Prune drops buckets idle for longer than idle and expired auth entries.
// It returns the number of buckets removed.
func (rl *RateLimiter) Prune(idle time.Duration) int {
	now := rl.now()

	rl.mu.Lock()
	removed := 0
	for key, b := range rl.buckets {
		if now.Sub(b.lastRefill) > idle {
			delete(rl.buckets, key)
			removed++
		}
	}
	rl.mu.Unlock()

	rl.authMu.Lock()
	rl.evictStaleAuthEntries(now)
	rl.authMu.Unlock()
	return removed
}

// Clients is the number of tracked buckets.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// IsAuthBlocked reports whether ip is serving an authentication block.
func (rl *RateLimiter) IsAuthBlocked(ip string) bool {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	b, ok := rl.authFailures[ip]
	if !ok {
		return false
	}
	if rl.now().Before(b.blockedUntil) {
		return true
	}
	if !b.blockedUntil.IsZero() {
		delete(rl.authFailures, ip)
	}
	return false
}

// AuthBlockRetryAfter returns the whole seconds until ip's block expires.
func (rl *RateLimiter) AuthBlockRetryAfter(ip string) int {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	b, ok := rl.authFailures[ip]
	if !ok {
		return 0
	}
	remaining := b.blockedUntil.Sub(rl.now()).Seconds()
	if remaining <= 0 {
		return 0
	}
	return int(remaining) + 1
}

// AuthFailure records a failed attempt and reports whether ip is now blocked.
func (rl *RateLimiter) AuthFailure(ip string) bool {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	now := rl.now()
	b, ok := rl.authFailures[ip]
	if !ok {
		b = &authBucket{windowStart: now}
		rl.authFailures[ip] = b
	}
	if now.Sub(b.windowStart) > authWindowDur {
		b.failures = 0
		b.windowStart = now
	}
	b.failures++
	if b.failures >= authMaxFailures {
		b.blockedUntil = now.Add(authBlockDur)
		return true
	}
	if len(rl.authFailures) > 1000 {
		rl.evictStaleAuthEntries(now)
	}
	return false
}

// AuthSuccess clears failure tracking for ip.
func (rl *RateLimiter) AuthSuccess(ip string) {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()
	delete(rl.authFailures, ip)
}

func (rl *RateLimiter) evictStaleAuthEntries(now time.Time) {
	for ip, b := range rl.authFailures {
		if !b.blockedUntil.IsZero() && now.After(b.blockedUntil) {
			delete(rl.authFailures, ip)
		} else if b.blockedUntil.IsZero() && now.Sub(b.windowStart) > authEvictInterval {
			delete(rl.authFailures, ip)
		}
	}
}

// Middleware rejects requests whose key has no tokens left. Requests for
// which keyFunc returns "" are not limited.
func (rl *RateLimiter) Middleware(keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" || rl.Allow(key) {
				next.ServeHTTP(w, r)
				return
			}
			retry := int(math.Ceil(1 / rl.config.RequestsPerSecond))
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   "Too many requests. Please slow down.",
				"message": "Too many requests. Please slow down.",
			})
		})
	}
}

// ClientIPKeyFunc returns the remote host without its port. Forwarding
// headers are ignored; see TrustedProxyKeyFunc.
func ClientIPKeyFunc(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// ParsePrefixes parses CIDR ranges. A bare address is taken as a single-host
// range.
func ParsePrefixes(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", v, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", v, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// TrustedProxyKeyFunc honours X-Forwarded-For only on requests whose remote
// address is one of the trusted proxies. The client is the right-most hop
// that is not itself a trusted proxy. With no proxies configured it is
// ClientIPKeyFunc.
func TrustedProxyKeyFunc(trusted []string) (func(*http.Request) string, error) {
	prefixes, err := ParsePrefixes(trusted)
	if err != nil {
		return nil, err
	}
	if len(prefixes) == 0 {
		return ClientIPKeyFunc, nil
	}
	isTrusted := func(host string) bool {
		addr, err := netip.ParseAddr(host)
		if err != nil {
			return false
		}
		addr = addr.Unmap()
		for _, p := range prefixes {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}
	return func(r *http.Request) string {
		remote := ClientIPKeyFunc(r)
		if !isTrusted(remote) {
			return remote
		}
		hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
		client := remote
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			client = hop
			if !isTrusted(hop) {
				break
			}
		}
		return client
	}, nil
}
