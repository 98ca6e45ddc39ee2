// Package throttle paces outbound requests to the remote quote source.
package throttle

import (
	"sync"
	"time"

	"china_stock_proxy/logger"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	minPoll = 100 * time.Millisecond
	maxPoll = time.Second
)

// RateLimiter is a single-slot token bucket: at most one request of credit
// accrues, however long the caller stays idle.
type RateLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	rate    float64

	now   func() time.Time
	sleep func(time.Duration)
	log   *zap.Logger
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithClock replaces the wall clock and sleep function.
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(r *RateLimiter) {
		r.now = now
		r.sleep = sleep
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *RateLimiter) {
		r.log = l
	}
}

// NewRateLimiter creates a limiter allowing requestsPerSecond on average.
// The bucket starts with one token.
func NewRateLimiter(requestsPerSecond float64, opts ...Option) *RateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 0.5
	}
	r := &RateLimiter{
		rate:  requestsPerSecond,
		now:   time.Now,
		sleep: time.Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logger.Or(r.log)
	r.limiter = r.newBucket()
	r.log.Info("rate limiter initialized", zap.Float64("requests_per_second", requestsPerSecond))
	return r
}

func (r *RateLimiter) newBucket() *rate.Limiter {
	lim := rate.NewLimiter(rate.Limit(r.rate), 1)
	// Anchor the bucket to the injected clock; the constructor leaves it full.
	lim.SetLimitAt(r.now(), rate.Limit(r.rate))
	return lim
}

// Rate returns the configured tokens per second.
func (r *RateLimiter) Rate() float64 {
	return r.rate
}

// TryAcquire takes a token if one is available. It never blocks and has no
// side effect on failure.
func (r *RateLimiter) TryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limiter.AllowN(r.now(), 1)
}

// Tokens returns the current credit, in [0, 1].
func (r *RateLimiter) Tokens() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokensLocked()
}

func (r *RateLimiter) tokensLocked() float64 {
	t := r.limiter.TokensAt(r.now())
	if t < 0 {
		return 0
	}
	return t
}

// AcquireBlocking polls until a token is taken or timeout elapses.
// A zero timeout waits indefinitely. Each poll sleeps for the estimated
// refill time clamped to [100ms, 1s]; sleeps are never interrupted.
func (r *RateLimiter) AcquireBlocking(timeout time.Duration) bool {
	start := r.now()
	for {
		if r.TryAcquire() {
			return true
		}

		r.mu.Lock()
		wait := time.Duration((1 - r.tokensLocked()) / r.rate * float64(time.Second))
		r.mu.Unlock()

		if timeout > 0 && r.now().Sub(start) > timeout {
			r.log.Warn("rate limiter timeout", zap.Duration("timeout", timeout))
			return false
		}

		r.sleep(clampPoll(wait))
	}
}

// Reset refills the bucket to exactly one token.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	r.limiter = r.newBucket()
	r.mu.Unlock()
	r.log.Debug("rate limiter reset")
}

func clampPoll(d time.Duration) time.Duration {
	if d < minPoll {
		return minPoll
	}
	if d > maxPoll {
		return maxPoll
	}
	return d
}
