package auth

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter provides per-client request-rate limiting ahead of
// authentication. It is a local abuse guard, not the credit ledger: quota
// accounting stays in the coordination store.
type IPRateLimiter struct {
	mu           sync.RWMutex
	limiters     map[string]*rate.Limiter
	lastAccess   map[string]time.Time
	defaultRate  rate.Limit
	defaultBurst int
	cleanupTTL   time.Duration
	stop         chan struct{}
	stopOnce     sync.Once
}

// IPRateLimiterConfig contains limiter settings.
type IPRateLimiterConfig struct {
	RequestsPerMinute int
	Burst             int
	CleanupTTL        time.Duration
}

// NewIPRateLimiter creates a per-IP limiter with a background cleanup loop.
func NewIPRateLimiter(cfg IPRateLimiterConfig) *IPRateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.CleanupTTL <= 0 {
		cfg.CleanupTTL = 10 * time.Minute
	}

	l := &IPRateLimiter{
		limiters:     make(map[string]*rate.Limiter),
		lastAccess:   make(map[string]time.Time),
		defaultRate:  rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		defaultBurst: cfg.Burst,
		cleanupTTL:   cfg.CleanupTTL,
		stop:         make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Allow reports whether a request from the given client key may proceed.
func (l *IPRateLimiter) Allow(key string) bool {
	return l.getLimiter(key).Allow()
}

func (l *IPRateLimiter) getLimiter(key string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[key]
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if exists {
		l.lastAccess[key] = time.Now()
		return limiter
	}
	// Double-check after acquiring the write lock.
	if limiter, exists = l.limiters[key]; exists {
		l.lastAccess[key] = time.Now()
		return limiter
	}

	limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
	l.limiters[key] = limiter
	l.lastAccess[key] = time.Now()
	return limiter
}

// Close stops the background cleanup loop. Safe to call more than once.
func (l *IPRateLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *IPRateLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for key, last := range l.lastAccess {
		if now.Sub(last) > l.cleanupTTL {
			delete(l.limiters, key)
			delete(l.lastAccess, key)
		}
	}
}

// Middleware rejects over-rate clients with 429 before any work happens.
func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientKey(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limit exceeded","type":"rate_limit_error"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		return r.RemoteAddr
	}
	return host
}
