// Package ratelimit throttles audit submissions per client with token buckets.
package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/site-audit/internal/metrics"
)

// Config holds limiter settings. A non-positive RPS disables throttling.
type Config struct {
	RPS   float64
	Burst int
	// IdleTTL is how long an untouched client bucket is kept.
	IdleTTL time.Duration
	// MaxClients triggers eviction of idle buckets once exceeded.
	MaxClients int
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages one token bucket per client key.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*entry
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	max     int
	now     func() time.Time
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	maxClients := cfg.MaxClients
	if maxClients <= 0 {
		maxClients = 10000
	}
	return &Limiter{
		clients: make(map[string]*entry),
		limit:   limit,
		burst:   burst,
		idleTTL: ttl,
		max:     maxClients,
		now:     time.Now,
	}
}

// Allow consumes a token for key, reporting whether the request may proceed.
func (l *Limiter) Allow(key string) bool {
	if l.limit == rate.Inf {
		return true
	}
	now := l.now()
	l.mu.Lock()
	e, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= l.max {
			l.evictLocked(now)
		}
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

// RetryAfter estimates how long key must wait for its next token.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	e, ok := l.clients[key]
	l.mu.Unlock()
	if !ok || l.limit == rate.Inf {
		return 0
	}
	now := l.now()
	r := e.limiter.ReserveN(now, 1)
	defer r.CancelAt(now)
	return r.DelayFrom(now)
}

// Len reports the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *Limiter) evictLocked(now time.Time) {
	for key, e := range l.clients {
		if now.Sub(e.lastSeen) > l.idleTTL {
			delete(l.clients, key)
		}
	}
}

// Middleware rejects requests over the per-client budget with 429.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ClientKey(r)
		if !l.Allow(key) {
			metrics.ObserveSubmissionThrottled()
			if wait := l.RetryAfter(key); wait > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientKey identifies the caller by remote host. chi's RealIP middleware
// rewrites RemoteAddr from forwarding headers when mounted first.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
