package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiters idle longer than this are dropped on the next sweep.
const limiterIdleTTL = 10 * time.Minute

type RateLimitConfig struct {
	IPPerMinute         int
	IPBurst             int
	DepartmentPerMinute int
	DepartmentBurst     int
}

type RateLimiter struct {
	ipLimiter         *keyedLimiter
	departmentLimiter *keyedLimiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		ipLimiter:         newKeyedLimiter(cfg.IPPerMinute, cfg.IPBurst),
		departmentLimiter: newKeyedLimiter(cfg.DepartmentPerMinute, cfg.DepartmentBurst),
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip != "" && !l.ipLimiter.allow(ip) {
			writeError(w, headerRequestID(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}

		if departmentID := departmentFromRequest(r); departmentID != "" && !l.departmentLimiter.allow(departmentID) {
			writeError(w, headerRequestID(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type keyedLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	entries   map[string]*limiterEntry
	lastSweep time.Time
}

func newKeyedLimiter(perMinute, burst int) *keyedLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return &keyedLimiter{
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
		entries: make(map[string]*limiterEntry),
	}
}

func (l *keyedLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for k, entry := range l.entries {
			if now.Sub(entry.lastSeen) > limiterIdleTTL {
				delete(l.entries, k)
			}
		}
		l.lastSweep = now
	}

	entry, ok := l.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// departmentFromRequest finds the department a request targets: the
// X-Department-ID header, a department or queue path segment, or the
// department_id query parameter.
func departmentFromRequest(r *http.Request) string {
	if departmentID := strings.TrimSpace(r.Header.Get("X-Department-ID")); departmentID != "" {
		return departmentID
	}
	for _, prefix := range []string{"/api/departments/", "/api/queues/"} {
		if rest, ok := strings.CutPrefix(r.URL.Path, prefix); ok {
			departmentID, _, _ := strings.Cut(rest, "/")
			return departmentID
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("department_id"))
}
