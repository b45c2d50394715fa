package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type requestLimiter struct {
	ch chan struct{}
}

func newRequestLimiter(max int) *requestLimiter {
	if max <= 0 {
		return nil
	}
	return &requestLimiter{ch: make(chan struct{}, max)}
}

func (l *requestLimiter) tryAcquire() bool {
	select {
	case l.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l *requestLimiter) release() {
	select {
	case <-l.ch:
	default:
	}
}

func (s *server) acquireProcessSlot(w http.ResponseWriter) (func(), bool) {
	if s.processLimit == nil {
		return func() {}, true
	}
	if s.processLimit.tryAcquire() {
		return s.processLimit.release, true
	}
	w.Header().Set("Retry-After", "2")
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many concurrent process requests", map[string]any{
		"limit": s.cfg.ProcessMaxConcurrent,
	})
	return nil, false
}

const (
	clientIdleTTL       = 10 * time.Minute
	clientSweepInterval = 5 * time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientRateLimiter is a per-client token bucket keyed by remote address.
type clientRateLimiter struct {
	rps   rate.Limit
	burst int

	mu        sync.Mutex
	clients   map[string]*clientLimiter
	lastSweep time.Time
	now       func() time.Time
}

func newClientRateLimiter(rps float64, burst int) *clientRateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = max(1, int(rps))
	}
	return &clientRateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

func (l *clientRateLimiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > clientSweepInterval {
		for k, cl := range l.clients {
			if now.Sub(cl.lastSeen) > clientIdleTTL {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	cl, ok := l.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

func (l *clientRateLimiter) middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := l.limiterFor(clientIP(r))
		reservation := limiter.ReserveN(l.now(), 1)
		if !reservation.OK() {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", nil)
			return
		}
		if delay := reservation.DelayFrom(l.now()); delay > 0 {
			reservation.CancelAt(l.now())
			w.Header().Set("Retry-After", strconv.Itoa(int(delay.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", nil)
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.burst))
		next.ServeHTTP(w, r)
	})
}

// clientIP ignores X-Forwarded-For; it can be spoofed to dodge the limit.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
