package middleware

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newLimiter(opts Options) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(opts, discard)
	rl.now = clock.Now
	return rl, clock
}

func TestAllowFixedWindow(t *testing.T) {
	rl, clock := newLimiter(Options{Rate: 10, Window: time.Minute})

	for i := 0; i < 10; i++ {
		require.True(t, rl.Allow("10.0.0.1"), "request %d", i+1)
	}
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))

	clock.Advance(59 * time.Second)
	assert.False(t, rl.Allow("10.0.0.1"))

	clock.Advance(time.Second)
	assert.True(t, rl.Allow("10.0.0.1"))
}

func TestAllowConcurrent(t *testing.T) {
	rl, _ := newLimiter(Options{Rate: 10, Window: time.Minute})

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow("shared") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), admitted.Load())
}

func TestMiddlewareRejectsEleventh(t *testing.T) {
	var rejected int
	rl, _ := newLimiter(Options{Rate: 10, Window: time.Minute, OnReject: func() { rejected++ }})

	var calls int
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/gps/submit", nil)
		req.RemoteAddr = "192.0.2.10:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusOK, send().Code)
	}
	rec := send()

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, 10, calls)
	assert.Equal(t, 1, rejected)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 60.0, body["retryAfter"])
	assert.NotEmpty(t, body["error"])
}

func TestMiddlewareWhitelist(t *testing.T) {
	rl, _ := newLimiter(Options{Rate: 1, Window: time.Minute, Whitelist: []string{" 203.0.113.7 "}})
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/gps/submit", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestKeyFuncs(t *testing.T) {
	a := httptest.NewRequest(http.MethodGet, "/", nil)
	a.RemoteAddr = "198.51.100.4:1234"
	a.Header.Set("User-Agent", "railtracker/1.0")

	b := a.Clone(a.Context())
	b.Header.Set("User-Agent", "Mozilla/5.0")

	assert.Equal(t, "198.51.100.4", KeyByIP(a))
	assert.Equal(t, KeyByIP(a), KeyByIP(b))
	assert.NotEqual(t, KeyByIPAndUserAgent(a), KeyByIPAndUserAgent(b))
	assert.Equal(t, KeyByIPAndUserAgent(a), KeyByIPAndUserAgent(a.Clone(a.Context())))

	x := httptest.NewRequest(http.MethodGet, "/", nil)
	x.Header.Set("X-Real-IP", "192.0.2.1")
	assert.Equal(t, "192.0.2.1", KeyByIP(x))
}

func TestSweepDropsExpiredWindows(t *testing.T) {
	rl, clock := newLimiter(Options{Rate: 1, Window: time.Minute})
	rl.Allow("a")
	clock.Advance(30 * time.Second)
	rl.Allow("b")

	clock.Advance(40 * time.Second)
	rl.sweep()

	assert.Equal(t, 1, rl.Stats()["tracked_keys"])
}

func TestAllowRefetchesSweptRecord(t *testing.T) {
	rl, clock := newLimiter(Options{Rate: 1, Window: time.Minute})
	require.True(t, rl.Allow("a"))

	clock.Advance(time.Minute)
	stale := rl.get("a")
	rl.sweep()

	_, ok := rl.admit(stale, clock.Now())
	assert.False(t, ok)
	assert.Equal(t, 1, stale.count)

	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.Equal(t, 1, rl.Stats()["tracked_keys"])
}
