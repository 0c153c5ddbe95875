package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nkiryanov/carepass/internal/handlers/render"
)

const (
	// Limiters not used for that long are forgotten
	limiterIdleTTL = time.Hour

	// How often idle limiters are looked for
	limiterSweepEvery = 5 * time.Minute
)

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Per client ip token buckets
type limiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	rps       rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

func newLimiterStore(rps float64, burst int) *limiterStore {
	return &limiterStore{
		limiters:  make(map[string]*limiterEntry),
		rps:       rate.Limit(rps),
		burst:     burst,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (s *limiterStore) get(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) >= limiterSweepEvery {
		s.sweep(now)
	}

	entry, ok := s.limiters[ip]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(s.rps, s.burst)}
		s.limiters[ip] = entry
	}
	entry.lastAccess = now

	return entry.limiter
}

// Must be called with mu held
func (s *limiterStore) sweep(now time.Time) {
	threshold := now.Add(-limiterIdleTTL)
	for ip, entry := range s.limiters {
		if entry.lastAccess.Before(threshold) {
			delete(s.limiters, ip)
		}
	}
	s.lastSweep = now
}

// RateLimitMiddleware limits requests per client ip with a token bucket
// Validation endpoints are the only place a caller can guess tokens, so they get a tight budget.
// Place it behind ActorMiddleware so anonymous callers never get a bucket.
// Rejected requests get 429 with a Retry-After header.
func RateLimitMiddleware(ips *ClientIPResolver, rps float64, burst int, l logger) func(http.Handler) http.Handler {
	store := newLimiterStore(rps, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ips.ClientIP(r)
			limiter := store.get(ip)

			if !limiter.Allow() {
				reservation := limiter.Reserve()
				retryAfter := int(math.Ceil(reservation.Delay().Seconds()))
				reservation.Cancel()

				l.Info("Rate limit exceeded", "ip", ip, "uri", r.RequestURI, "retry_after", retryAfter)

				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				render.ServiceError(w, "Too many requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
