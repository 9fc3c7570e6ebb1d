package handlers

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tradedesk/authserver/internal/apperr"
	"golang.org/x/time/rate"
)

var errTooManyAttempts = &apperr.Error{
	Kind:    apperr.ErrUnauthorized,
	Code:    "too_many_attempts",
	Message: "too many login attempts, try again later",
}

// LoginLimiter throttles credential endpoints per client address. State is
// per process.
type LoginLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	lastSeen map[string]time.Time
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

// NewLoginLimiter allows perMinute attempts per address with the given burst.
func NewLoginLimiter(perMinute, burst int) *LoginLimiter {
	if perMinute < 1 {
		perMinute = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &LoginLimiter{
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    burst,
		now:      time.Now,
	}
}

// Allow reports whether one more attempt from addr is permitted now.
func (l *LoginLimiter) Allow(addr string) bool {
	return l.limiterFor(addr).AllowN(l.now(), 1)
}

func (l *LoginLimiter) limiterFor(addr string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastSeen[addr] = l.now()
	if limiter, ok := l.limiters[addr]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(l.limit, l.burst)
	l.limiters[addr] = limiter
	return limiter
}

// Prune forgets addresses not seen for longer than maxAge.
func (l *LoginLimiter) Prune(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxAge)
	removed := 0
	for addr, seen := range l.lastSeen {
		if seen.Before(cutoff) {
			delete(l.lastSeen, addr)
			delete(l.limiters, addr)
			removed++
		}
	}
	return removed
}

// Middleware answers 429 once an address exhausts its budget.
func (l *LoginLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientAddr(r)) {
			w.Header().Set("Retry-After", "60")
			code, message := apperr.Public(errTooManyAttempts)
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: message, Code: code})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddr strips the port from RemoteAddr, which middleware.RealIP may
// already have replaced with a bare address.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
