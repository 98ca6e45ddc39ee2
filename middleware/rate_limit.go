package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter keeps one token bucket per client IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
}

// NewIPRateLimiter allows perMinute requests per IP, with bursts of the
// same size. perMinute <= 0 disables limiting.
func NewIPRateLimiter(perMinute int) *IPRateLimiter {
	l := &IPRateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Inf,
		burst:    1,
		idleTTL:  10 * time.Minute,
		now:      time.Now,
	}
	if perMinute > 0 {
		l.limit = rate.Limit(float64(perMinute) / 60)
		l.burst = perMinute
	}
	return l
}

// Allow takes a token from ip's bucket. When none is left it returns the
// time until the next token.
func (l *IPRateLimiter) Allow(ip string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now

	r := v.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	r.CancelAt(now)
	return false, delay
}

// Cleanup forgets IPs idle for longer than the idle TTL.
func (l *IPRateLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.idleTTL {
			delete(l.visitors, ip)
		}
	}
}

// StartCleanup runs Cleanup periodically until ctx is done.
func (l *IPRateLimiter) StartCleanup(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Cleanup()
			}
		}
	}()
}

// RateLimitMiddleware rejects requests over the per-IP budget with 429.
func RateLimitMiddleware(l *IPRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retryAfter := l.Allow(c.ClientIP())
		if !allowed {
			seconds := int(math.Ceil(retryAfter.Seconds()))
			c.Header("Retry-After", fmt.Sprintf("%d", seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": fmt.Sprintf("Too many requests. Please try again in %d second(s).", seconds),
			})
			return
		}
		c.Next()
	}
}

// LoginAttempt tracks failed logins from an IP
type LoginAttempt struct {
	Count    int
	FirstAt  time.Time
	LockedAt time.Time
	IsLocked bool
}

// LoginGuard locks out IPs after repeated failed logins.
type LoginGuard struct {
	mu           sync.Mutex
	attempts     map[string]*LoginAttempt
	maxAttempts  int
	windowPeriod time.Duration
	lockDuration time.Duration
	now          func() time.Time
}

// NewLoginGuard creates a guard.
// maxAttempts: failed logins allowed within windowPeriod
// lockDuration: how long the IP stays locked afterwards
func NewLoginGuard(maxAttempts int, windowPeriod, lockDuration time.Duration) *LoginGuard {
	return &LoginGuard{
		attempts:     make(map[string]*LoginAttempt),
		maxAttempts:  maxAttempts,
		windowPeriod: windowPeriod,
		lockDuration: lockDuration,
		now:          time.Now,
	}
}

// Check reports whether ip may attempt a login, and if not, for how long
// it is locked.
func (g *LoginGuard) Check(ip string) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	attempt, exists := g.attempts[ip]
	if !exists {
		return true, 0
	}

	if attempt.IsLocked {
		if remaining := g.lockDuration - now.Sub(attempt.LockedAt); remaining > 0 {
			return false, remaining
		}
		delete(g.attempts, ip)
		return true, 0
	}

	if now.Sub(attempt.FirstAt) > g.windowPeriod {
		delete(g.attempts, ip)
	}
	return true, 0
}

// RecordAttempt records a login result for ip. Success clears its history.
func (g *LoginGuard) RecordAttempt(ip string, success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if success {
		delete(g.attempts, ip)
		return
	}

	now := g.now()
	attempt, exists := g.attempts[ip]
	if !exists || now.Sub(attempt.FirstAt) > g.windowPeriod {
		attempt = &LoginAttempt{FirstAt: now}
		g.attempts[ip] = attempt
	}
	attempt.Count++
	if attempt.Count >= g.maxAttempts {
		attempt.IsLocked = true
		attempt.LockedAt = now
	}
}
