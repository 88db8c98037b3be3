package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// KeyFunc derives the rate limit key of a request.
type KeyFunc func(r *http.Request) string

// KeyByIP keys requests by client IP.
func KeyByIP(r *http.Request) string {
	return getClientIP(r)
}

// KeyByIPAndUserAgent keys requests by client IP and a hash of the user
// agent, so devices sharing a NAT address get separate budgets.
func KeyByIPAndUserAgent(r *http.Request) string {
	return getClientIP(r) + "/" + strconv.FormatUint(xxhash.Sum64String(r.UserAgent()), 16)
}

// RateLimiter admits at most rate requests per key in fixed windows. A
// key's window starts with its first request and resets once expired.
type RateLimiter struct {
	mu        sync.RWMutex
	clients   map[string]*client
	rate      int
	window    time.Duration
	whitelist map[string]struct{}
	keyFunc   KeyFunc
	onReject  func()
	logger    *slog.Logger

	now func() time.Time
}

type client struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	// removed is set once sweep has dropped the record from the map.
	removed bool
}

type Options struct {
	Rate      int
	Window    time.Duration
	Whitelist []string
	KeyFunc   KeyFunc
	// OnReject is called for every rejected request.
	OnReject func()
}

// NewRateLimiter creates a rate limiter. IPs in the whitelist bypass it.
func NewRateLimiter(opts Options, logger *slog.Logger) *RateLimiter {
	if opts.Rate <= 0 {
		opts.Rate = 10
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.KeyFunc == nil {
		opts.KeyFunc = KeyByIP
	}

	wl := make(map[string]struct{}, len(opts.Whitelist))
	for _, ip := range opts.Whitelist {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			wl[ip] = struct{}{}
		}
	}

	return &RateLimiter{
		clients:   make(map[string]*client),
		rate:      opts.Rate,
		window:    opts.Window,
		whitelist: wl,
		keyFunc:   opts.KeyFunc,
		onReject:  opts.OnReject,
		logger:    logger.With("component", "rate_limiter"),
		now:       time.Now,
	}
}

// Run drops expired windows periodically until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(rl.window * 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

func (rl *RateLimiter) sweep() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, c := range rl.clients {
		c.mu.Lock()
		if !now.Before(c.resetAt) {
			c.removed = true
			delete(rl.clients, key)
		}
		c.mu.Unlock()
	}
}

func (rl *RateLimiter) IsWhitelisted(ip string) bool {
	_, ok := rl.whitelist[ip]
	return ok
}

func (rl *RateLimiter) get(key string) *client {
	rl.mu.RLock()
	c, ok := rl.clients[key]
	rl.mu.RUnlock()
	if ok {
		return c
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if c, ok := rl.clients[key]; ok {
		return c
	}
	c = &client{}
	rl.clients[key] = c
	return c
}

// Allow counts a request against key and reports whether it is admitted.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()
	for {
		if allowed, ok := rl.admit(rl.get(key), now); ok {
			return allowed
		}
	}
}

// admit counts a request against c. ok is false when sweep dropped c
// after it was fetched; the caller must fetch the record again.
func (rl *RateLimiter) admit(c *client, now time.Time) (allowed, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.removed {
		return false, false
	}
	if !now.Before(c.resetAt) {
		c.count = 0
		c.resetAt = now.Add(rl.window)
	}
	if c.count >= rl.rate {
		return false, true
	}
	c.count++
	return true, true
}

// Middleware rejects requests over the limit with 429 before they reach next.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	retryAfter := int(rl.window.Seconds())
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.IsWhitelisted(getClientIP(r)) {
			next.ServeHTTP(w, r)
			return
		}

		key := rl.keyFunc(r)
		if !rl.Allow(key) {
			rl.logger.Warn("rate limit exceeded", "key", key, "path", r.URL.Path)
			if rl.onReject != nil {
				rl.onReject()
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{
				"error":      "Too many submissions. Please slow down.",
				"retryAfter": retryAfter,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header (from reverse proxy). Example: "client, proxy1, proxy2"
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if host, _, err := net.SplitHostPort(first); err == nil {
			return host
		}
		return first
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// Stats returns current rate limiter statistics
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return map[string]interface{}{
		"tracked_keys":      len(rl.clients),
		"rate_per_window":   rl.rate,
		"window_seconds":    rl.window.Seconds(),
		"whitelist_entries": len(rl.whitelist),
	}
}
