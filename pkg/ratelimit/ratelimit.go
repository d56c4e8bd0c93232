// Package ratelimit provides per-IP and per-identity rate limiting
// middleware.
package ratelimit

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/moreonion/mogin/pkg/apiresponses"
	"github.com/moreonion/mogin/pkg/session"
)

// Config holds rate limiter configuration.
type Config struct {
	// Rate is the number of requests allowed per second.
	Rate float64
	// Burst is the maximum number of requests allowed in a burst.
	Burst int
	// CleanupInterval is how often to clean up stale entries.
	CleanupInterval time.Duration
	// MaxAge is how long to keep an entry after last access.
	MaxAge time.Duration
}

// SessionConfig holds separate rate limits for authenticated and
// anonymous requests.
type SessionConfig struct {
	// Anonymous applies to requests without a session identity (per-IP).
	Anonymous Config
	// Authenticated applies to requests with a session identity (per-identity).
	Authenticated Config
}

// DefaultConfig returns the default per-IP limits: 20 req/s, burst of 50.
func DefaultConfig() Config {
	return Config{
		Rate:            20,
		Burst:           50,
		CleanupInterval: time.Minute,
		MaxAge:          5 * time.Minute,
	}
}

// DefaultSessionConfig returns the default limits with auth differentiation.
// Anonymous requests get 10 req/s per IP; authenticated identities 50 req/s.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Anonymous: Config{
			Rate:            10,
			Burst:           20,
			CleanupInterval: time.Minute,
			MaxAge:          5 * time.Minute,
		},
		Authenticated: Config{
			Rate:            50,
			Burst:           100,
			CleanupInterval: time.Minute,
			MaxAge:          10 * time.Minute,
		},
	}
}

// entry holds the limiter and last access time for one key.
type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter implements keyed rate limiting with automatic cleanup of stale
// keys. Keys are client IPs or session identities.
type Limiter struct {
	mu      sync.RWMutex
	entries map[string]*entry
	config  Config
	done    chan struct{}
}

// New creates a keyed rate limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 5 * time.Minute
	}

	rl := &Limiter{
		entries: make(map[string]*entry),
		config:  cfg,
		done:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow checks whether a request for the given key should be allowed.
func (rl *Limiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, exists := rl.entries[key]
	if !exists {
		e = &entry{
			limiter: rate.NewLimiter(rate.Limit(rl.config.Rate), rl.config.Burst),
		}
		rl.entries[key] = e
	}
	e.lastAccess = time.Now()

	return e.limiter.Allow()
}

// Middleware returns a handler that applies per-IP rate limiting.
func (rl *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			apiresponses.RespondTooManyRequests(c)
			c.Abort()
			return
		}
		c.Next()
	}
}

// Stop stops the cleanup goroutine.
func (rl *Limiter) Stop() {
	close(rl.done)
}

func (rl *Limiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.cleanupStaleEntries()
		}
	}
}

func (rl *Limiter) cleanupStaleEntries() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, e := range rl.entries {
		if now.Sub(e.lastAccess) > rl.config.MaxAge {
			delete(rl.entries, key)
		}
	}
}

// Len returns the current number of tracked keys.
func (rl *Limiter) Len() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.entries)
}

// Config returns a copy of the current configuration.
func (rl *Limiter) Config() Config {
	return rl.config
}

// SessionLimiter rate limits authenticated requests per identity and
// anonymous requests per IP, with separate limits for each.
type SessionLimiter struct {
	ipLimiter       *Limiter
	identityLimiter *Limiter
}

// NewSessionLimiter creates a limiter that differentiates authenticated
// and anonymous requests.
func NewSessionLimiter(cfg SessionConfig) *SessionLimiter {
	return &SessionLimiter{
		ipLimiter:       New(cfg.Anonymous),
		identityLimiter: New(cfg.Authenticated),
	}
}

// Allow checks whether a request should be allowed. Authenticated
// requests count against their identity, anonymous ones against the
// client IP. The second return value reports which limit applied.
func (sl *SessionLimiter) Allow(c *gin.Context) (allowed, authenticated bool) {
	if s, ok := session.FromContext(c); ok && s.Authenticated() {
		return sl.identityLimiter.Allow(s.Identity), true
	}
	return sl.ipLimiter.Allow(c.ClientIP()), false
}

// Middleware returns a handler applying the differentiated limits. It
// must run after the session middleware, otherwise every request counts
// as anonymous.
func (sl *SessionLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, _ := sl.Allow(c)
		if !allowed {
			apiresponses.RespondTooManyRequests(c)
			c.Abort()
			return
		}
		c.Next()
	}
}

// Stop stops both cleanup goroutines.
func (sl *SessionLimiter) Stop() {
	sl.ipLimiter.Stop()
	sl.identityLimiter.Stop()
}

// IPLen returns the number of tracked IPs.
func (sl *SessionLimiter) IPLen() int {
	return sl.ipLimiter.Len()
}

// IdentityLen returns the number of tracked identities.
func (sl *SessionLimiter) IdentityLen() int {
	return sl.identityLimiter.Len()
}
