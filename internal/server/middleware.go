package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// clientLimiter is a token bucket for one client IP.
type clientLimiter struct {
	tokens     float64
	lastUpdate time.Time
}

// ipRateLimiter applies a per-client token bucket keyed by remote IP. Idle
// buckets are evicted after an hour.
type ipRateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	rate    float64 // tokens per second
	burst   float64
}

func newIPRateLimiter(perMinute int) *ipRateLimiter {
	l := &ipRateLimiter{
		clients: make(map[string]*clientLimiter),
		rate:    float64(perMinute) / 60.0,
		burst:   float64(perMinute),
	}
	go l.sweep()
	return l
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[ip]
	now := time.Now()
	if !ok {
		c = &clientLimiter{tokens: l.burst, lastUpdate: now}
		l.clients[ip] = c
	}

	c.tokens += now.Sub(c.lastUpdate).Seconds() * l.rate
	if c.tokens > l.burst {
		c.tokens = l.burst
	}
	c.lastUpdate = now

	if c.tokens >= 1 {
		c.tokens--
		return true
	}
	return false
}

func (l *ipRateLimiter) sweep() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-time.Hour)
		l.mu.Lock()
		for ip, c := range l.clients {
			if c.lastUpdate.Before(cutoff) {
				delete(l.clients, ip)
			}
		}
		l.mu.Unlock()
	}
}

// rateLimitMiddleware rejects over-limit clients with 429.
func rateLimitMiddleware(perMinute int) func(http.Handler) http.Handler {
	limiter := newIPRateLimiter(perMinute)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			if !limiter.allow(ip) {
				rateLimited.Inc()
				log.Warn().Str("ip", ip).Str("path", r.URL.Path).Msg("Rate limited")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs one line per request with latency and status.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("took", time.Since(start)).
			Msg("Request")
		httpRequests.WithLabelValues(r.URL.Path, statusClass(sw.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
