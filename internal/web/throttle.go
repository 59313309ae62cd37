package web

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	clientIdleTTL    = 10 * time.Minute
	clientMaxEntries = 10000
)

// clientLimiter keeps one token bucket per remote host.
type clientLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*clientEntry
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newClientLimiter returns nil, which allows everything, when perSecond <= 0.
func newClientLimiter(perSecond float64, burst int) *clientLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &clientLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		clients: make(map[string]*clientEntry),
	}
}

func (c *clientLimiter) allow(host string, now time.Time) bool {
	if c == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.clients[host]
	if !ok {
		if len(c.clients) >= clientMaxEntries {
			c.evict(now)
		}
		e = &clientEntry{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.clients[host] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (c *clientLimiter) evict(now time.Time) {
	for host, e := range c.clients {
		if now.Sub(e.lastSeen) > clientIdleTTL {
			delete(c.clients, host)
		}
	}
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.clients.allow(remoteHost(r.RemoteAddr), s.now()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
