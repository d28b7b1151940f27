package handlers

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// callerLimiter hands out one token bucket per caller. A bucket holds limit tokens and refills
// at limit per window, so a burst of limit requests is allowed and sustained traffic is capped.
type callerLimiter struct {
	limit  int
	every  rate.Limit
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	sweptAt time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newCallerLimiter returns nil when limiting is disabled.
func newCallerLimiter(limit int, window time.Duration, clock func() time.Time) *callerLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &callerLimiter{
		limit:   limit,
		every:   rate.Every(window / time.Duration(limit)),
		window:  window,
		clock:   clock,
		buckets: make(map[string]*bucket),
	}
}

func (l *callerLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.every, l.limit)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// sweep drops buckets idle for a full window; they would be full again anyway.
func (l *callerLimiter) sweep(now time.Time) {
	if now.Sub(l.sweptAt) < l.window {
		return
	}
	l.sweptAt = now
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.window {
			delete(l.buckets, key)
		}
	}
}

// rateLimitKey prefers the caller supplied user id and falls back to the client address.
func rateLimitKey(userID string, r *http.Request) string {
	if userID = strings.TrimSpace(userID); userID != "" {
		return "user:" + userID
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return "ip:" + addr
}
