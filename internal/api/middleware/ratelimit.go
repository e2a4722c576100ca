package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds how fast a single control client may drive calls.
type RateLimitConfig struct {
	Rate  rate.Limit // sustained requests per second per client
	Burst int

	SweepEvery time.Duration // how often idle clients are forgotten
	IdleAfter  time.Duration
}

// NewRateLimitConfig allows perSecond requests per client with a burst of
// twice that, so a dial followed by a quick hold or transfer is not refused.
func NewRateLimitConfig(perSecond float64) RateLimitConfig {
	return RateLimitConfig{
		Rate:       rate.Limit(perSecond),
		Burst:      max(1, int(math.Ceil(2*perSecond))),
		SweepEvery: 5 * time.Minute,
		IdleAfter:  10 * time.Minute,
	}
}

type client struct {
	bucket *rate.Limiter
	seen   time.Time
}

// IPRateLimiter keeps one token bucket per client address.
type IPRateLimiter struct {
	cfg    RateLimitConfig
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*client

	done chan struct{}
	once sync.Once
}

// NewIPRateLimiter returns a limiter that forgets idle clients until Stop.
func NewIPRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *IPRateLimiter {
	l := &IPRateLimiter{
		cfg:     cfg,
		logger:  logger.With("subsystem", "ratelimit"),
		clients: make(map[string]*client),
		done:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

func (l *IPRateLimiter) bucket(addr string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.clients[addr]
	if c == nil {
		c = &client{bucket: rate.NewLimiter(l.cfg.Rate, l.cfg.Burst)}
		l.clients[addr] = c
	}
	c.seen = time.Now()
	return c.bucket
}

// Allow takes a token for addr and reports whether one was available.
func (l *IPRateLimiter) Allow(addr string) bool {
	return l.bucket(addr).Allow()
}

// retryAfter is the wait until addr has a token again, in whole seconds.
func (l *IPRateLimiter) retryAfter(addr string) int {
	b := l.bucket(addr)
	r := b.Reserve()
	if !r.OK() {
		return 1
	}
	wait := r.Delay()
	r.Cancel()
	return max(1, int(math.Ceil(wait.Seconds())))
}

// Stop ends the sweep goroutine. It is safe to call more than once.
func (l *IPRateLimiter) Stop() {
	l.once.Do(func() { close(l.done) })
}

func (l *IPRateLimiter) sweepLoop() {
	t := time.NewTicker(l.cfg.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-t.C:
			l.sweep()
		}
	}
}

func (l *IPRateLimiter) sweep() {
	cutoff := time.Now().Add(-l.cfg.IdleAfter)

	l.mu.Lock()
	defer l.mu.Unlock()
	before := len(l.clients)
	for addr, c := range l.clients {
		if c.seen.Before(cutoff) {
			delete(l.clients, addr)
		}
	}
	if forgotten := before - len(l.clients); forgotten > 0 {
		l.logger.Debug("forgot idle api clients", "forgotten", forgotten, "tracked", len(l.clients))
	}
}

// RateLimit refuses requests over the per-client budget with 429 and a
// Retry-After hint.
func RateLimit(l *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := clientAddr(r)
			if l.Allow(addr) {
				next.ServeHTTP(w, r)
				return
			}
			l.logger.Warn("api client throttled", "client", addr, "method", r.Method, "path", r.URL.Path)
			w.Header().Set("Retry-After", strconv.Itoa(l.retryAfter(addr)))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		})
	}
}

// clientAddr is the request's remote host without its port. chi's RealIP
// runs first when the daemon sits behind a proxy.
func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
