package datafetcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"time"

	"china_stock_proxy/logger"
	"china_stock_proxy/services/proxypool"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrRateLimited means the rate limiter timed out before the request could be sent.
	ErrRateLimited = errors.New("rate limited")
	// ErrMaxRetriesExceeded means every attempt failed.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	// ErrTimeout marks a request that did not complete within its deadline.
	ErrTimeout = errors.New("request timeout")
	// ErrMalformedResponse marks a payload that could not be parsed.
	ErrMalformedResponse = errors.New("malformed response")
)

// IsTimeout reports whether err is a timeout-class failure.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// AdjustMode selects price adjustment for corporate actions.
type AdjustMode string

const (
	AdjustForward  AdjustMode = "qfq"
	AdjustBackward AdjustMode = "hfq"
	AdjustNone     AdjustMode = "none"
)

// ParseAdjustMode maps a config string to an AdjustMode; unknown values yield AdjustForward.
func ParseAdjustMode(s string) AdjustMode {
	switch m := AdjustMode(s); m {
	case AdjustBackward, AdjustNone:
		return m
	default:
		return AdjustForward
	}
}

// Bar is one daily OHLCV row returned by the remote source.
type Bar struct {
	Date   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
	Amount decimal.Decimal
}

// Request describes one series to fetch.
type Request struct {
	Code   string
	Start  time.Time
	End    time.Time
	Adjust AdjustMode
}

// Egress is how a single attempt reaches the source.
type Egress struct {
	Proxy   string // empty means a direct connection
	Headers map[string]string
}

// Source is the remote quote provider. An empty slice with a nil error is
// a successful response carrying no rows.
type Source interface {
	FetchDaily(ctx context.Context, req Request, egress Egress) ([]Bar, error)
}

// Limiter paces outbound requests.
type Limiter interface {
	AcquireBlocking(timeout time.Duration) bool
}

// ProxyRotator hands out egress proxies and quarantines the broken ones.
type ProxyRotator interface {
	Next() (string, bool)
	MarkFailed(proxy string)
	Headers() map[string]string
}

// Outcome is the terminal state of one FetchSeries call.
type Outcome int

const (
	OutcomeSeries Outcome = iota
	OutcomeEmpty
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSeries:
		return "series"
	case OutcomeEmpty:
		return "empty"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result of a FetchSeries call. Err is set only for OutcomeFailed and wraps
// ErrRateLimited or ErrMaxRetriesExceeded.
type Result struct {
	Outcome  Outcome
	Bars     []Bar
	Attempts int
	Err      error
}

// Fetcher retrieves one instrument's series with throttling, proxy rotation
// and bounded retries.
type Fetcher struct {
	source  Source
	limiter Limiter
	proxies ProxyRotator

	requestTimeout time.Duration
	limiterTimeout time.Duration

	sleep  func(time.Duration)
	jitter func() time.Duration
	log    *zap.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLimiter throttles every attempt through l.
func WithLimiter(l Limiter, timeout time.Duration) Option {
	return func(f *Fetcher) {
		f.limiter = l
		f.limiterTimeout = timeout
	}
}

// WithProxies routes attempts through the rotator.
func WithProxies(p ProxyRotator) Option {
	return func(f *Fetcher) {
		f.proxies = p
	}
}

// WithRequestTimeout bounds each attempt.
func WithRequestTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		f.requestTimeout = d
	}
}

// WithBackoff replaces the sleep and jitter functions used between attempts.
func WithBackoff(sleep func(time.Duration), jitter func() time.Duration) Option {
	return func(f *Fetcher) {
		if sleep != nil {
			f.sleep = sleep
		}
		if jitter != nil {
			f.jitter = jitter
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) {
		f.log = l
	}
}

// NewFetcher creates a fetcher over source.
func NewFetcher(source Source, opts ...Option) *Fetcher {
	f := &Fetcher{
		source:         source,
		requestTimeout: 15 * time.Second,
		sleep:          time.Sleep,
		jitter: func() time.Duration {
			return time.Duration(rand.Float64() * float64(time.Second))
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = logger.Or(f.log)
	return f
}

// Backoff returns the delay after failed attempt a (zero-based) before jitter: 2^a seconds.
func Backoff(a int) time.Duration {
	return time.Duration(math.Pow(2, float64(a))) * time.Second
}

// FetchSeries fetches req.Code over [req.Start, req.End] making at most
// maxRetries attempts.
//
// A non-empty or empty success ends the call immediately. A limiter timeout
// fails the call without further attempts. Transport failures back off for
// 2^a seconds plus up to one second of jitter; timeouts through a proxy
// also quarantine that proxy.
func (f *Fetcher) FetchSeries(ctx context.Context, req Request, maxRetries int) Result {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	log := f.log.With(zap.String("code", req.Code))

	var lastErr error
	for a := 0; a < maxRetries; a++ {
		if err := ctx.Err(); err != nil {
			return Result{Outcome: OutcomeFailed, Attempts: a, Err: fmt.Errorf("fetch %s: %w", req.Code, err)}
		}

		if f.limiter != nil && !f.limiter.AcquireBlocking(f.limiterTimeout) {
			log.Warn("rate limiter timeout, giving up", zap.Int("attempt", a+1))
			return Result{Outcome: OutcomeFailed, Attempts: a, Err: fmt.Errorf("fetch %s: %w", req.Code, ErrRateLimited)}
		}

		egress := Egress{Headers: proxypool.Headers()}
		usedProxy := false
		if f.proxies != nil {
			egress.Headers = f.proxies.Headers()
			egress.Proxy, usedProxy = f.proxies.Next()
		}

		bars, err := f.attempt(ctx, req, egress)
		if err == nil {
			if len(bars) == 0 {
				log.Info("source returned no rows", zap.Int("attempt", a+1))
				return Result{Outcome: OutcomeEmpty, Attempts: a + 1}
			}
			log.Debug("fetched series", zap.Int("rows", len(bars)), zap.Int("attempt", a+1))
			return Result{Outcome: OutcomeSeries, Bars: bars, Attempts: a + 1}
		}

		lastErr = err
		if usedProxy && IsTimeout(err) {
			f.proxies.MarkFailed(egress.Proxy)
		}
		log.Warn("fetch attempt failed",
			zap.Int("attempt", a+1),
			zap.Int("max_retries", maxRetries),
			zap.String("proxy", egress.Proxy),
			zap.Error(err),
		)

		if a+1 < maxRetries {
			f.sleep(Backoff(a) + f.jitter())
		}
	}

	return Result{
		Outcome:  OutcomeFailed,
		Attempts: maxRetries,
		Err:      fmt.Errorf("fetch %s: %w after %d attempts: %w", req.Code, ErrMaxRetriesExceeded, maxRetries, lastErr),
	}
}

func (f *Fetcher) attempt(ctx context.Context, req Request, egress Egress) ([]Bar, error) {
	if f.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.requestTimeout)
		defer cancel()
	}
	return f.source.FetchDaily(ctx, req, egress)
}
