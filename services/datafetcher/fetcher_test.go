package datafetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"china_stock_proxy/services/proxypool"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSource struct {
	mu      sync.Mutex
	steps   []func() ([]Bar, error)
	calls   int
	egress  []Egress
	request Request
}

func (s *scriptedSource) FetchDaily(_ context.Context, req Request, egress Egress) ([]Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.request = req
	s.egress = append(s.egress, egress)
	step := s.steps[min(s.calls, len(s.steps)-1)]
	s.calls++
	return step()
}

func fail(err error) func() ([]Bar, error) {
	return func() ([]Bar, error) { return nil, err }
}

func succeed(bars ...Bar) func() ([]Bar, error) {
	return func() ([]Bar, error) { return bars, nil }
}

type recordingSleeper struct {
	sleeps []time.Duration
}

func (r *recordingSleeper) Sleep(d time.Duration) {
	r.sleeps = append(r.sleeps, d)
}

type stubLimiter struct {
	grant bool
	calls int
}

func (l *stubLimiter) AcquireBlocking(time.Duration) bool {
	l.calls++
	return l.grant
}

const testJitter = 250 * time.Millisecond

func newTestFetcher(src Source, sleeper *recordingSleeper, opts ...Option) *Fetcher {
	opts = append([]Option{
		WithBackoff(sleeper.Sleep, func() time.Duration { return testJitter }),
	}, opts...)
	return NewFetcher(src, opts...)
}

func bar(day int, closePrice string) Bar {
	return Bar{
		Date:   time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC),
		Open:   decimal.RequireFromString("10"),
		High:   decimal.RequireFromString("11"),
		Low:    decimal.RequireFromString("9"),
		Close:  decimal.RequireFromString(closePrice),
		Volume: 1000,
		Amount: decimal.RequireFromString("10000"),
	}
}

func testRequest() Request {
	return Request{
		Code:   "000001",
		Start:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
		Adjust: AdjustForward,
	}
}

func TestFetchSeries_SucceedsOnThirdAttemptAfterTwoBackoffs(t *testing.T) {
	transport := errors.New("connection reset")
	src := &scriptedSource{steps: []func() ([]Bar, error){
		fail(transport), fail(transport), succeed(bar(2, "10.0")),
	}}
	sleeper := &recordingSleeper{}
	f := newTestFetcher(src, sleeper)

	res := f.FetchSeries(context.Background(), testRequest(), 3)

	require.Equal(t, OutcomeSeries, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Len(t, res.Bars, 1)
	assert.Equal(t, 3, res.Attempts)
	require.Len(t, sleeper.sleeps, 2)
	assert.GreaterOrEqual(t, sleeper.sleeps[0], time.Second)
	assert.GreaterOrEqual(t, sleeper.sleeps[1], 2*time.Second)
	assert.Equal(t, []time.Duration{time.Second + testJitter, 2*time.Second + testJitter}, sleeper.sleeps)
}

func TestFetchSeries_TimeoutsEvictProxyAndExhaustRetries(t *testing.T) {
	src := &scriptedSource{steps: []func() ([]Bar, error){
		fail(fmt.Errorf("%w: dial", ErrTimeout)),
	}}
	pool := proxypool.New([]string{"http://p1:8080", "http://p2:8080", "http://p3:8080"})
	sleeper := &recordingSleeper{}
	f := newTestFetcher(src, sleeper, WithProxies(pool))

	res := f.FetchSeries(context.Background(), testRequest(), 3)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, res.Err, ErrTimeout)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, src.calls)
	assert.Len(t, sleeper.sleeps, 2, "no sleep after the final attempt")
	assert.NotEmpty(t, pool.Quarantined())
	assert.Equal(t, 0, pool.Len())
}

func TestFetchSeries_NonTimeoutErrorKeepsProxy(t *testing.T) {
	src := &scriptedSource{steps: []func() ([]Bar, error){
		fail(fmt.Errorf("%w: truncated", ErrMalformedResponse)),
	}}
	pool := proxypool.New([]string{"http://p1:8080"})
	f := newTestFetcher(src, &recordingSleeper{}, WithProxies(pool))

	res := f.FetchSeries(context.Background(), testRequest(), 2)

	assert.ErrorIs(t, res.Err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, res.Err, ErrMalformedResponse)
	assert.Equal(t, []string{"http://p1:8080"}, pool.Active())
	assert.Empty(t, pool.Quarantined())
}

func TestFetchSeries_DeadlineExceededCountsAsTimeout(t *testing.T) {
	src := &scriptedSource{steps: []func() ([]Bar, error){
		fail(context.DeadlineExceeded), succeed(bar(2, "10.0")),
	}}
	pool := proxypool.New([]string{"http://p1:8080", "http://p2:8080"})
	f := newTestFetcher(src, &recordingSleeper{}, WithProxies(pool))

	res := f.FetchSeries(context.Background(), testRequest(), 3)

	assert.Equal(t, OutcomeSeries, res.Outcome)
	assert.Equal(t, []string{"http://p1:8080"}, pool.Quarantined())
	assert.Equal(t, "http://p2:8080", src.egress[1].Proxy)
}

func TestFetchSeries_EmptyResultDoesNotRetry(t *testing.T) {
	src := &scriptedSource{steps: []func() ([]Bar, error){succeed()}}
	sleeper := &recordingSleeper{}
	f := newTestFetcher(src, sleeper)

	res := f.FetchSeries(context.Background(), testRequest(), 3)

	assert.Equal(t, OutcomeEmpty, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, src.calls)
	assert.Empty(t, sleeper.sleeps)
}

func TestFetchSeries_RateLimiterTimeoutAbortsCall(t *testing.T) {
	src := &scriptedSource{steps: []func() ([]Bar, error){succeed(bar(2, "10.0"))}}
	limiter := &stubLimiter{grant: false}
	sleeper := &recordingSleeper{}
	f := newTestFetcher(src, sleeper, WithLimiter(limiter, time.Second))

	res := f.FetchSeries(context.Background(), testRequest(), 3)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrRateLimited)
	assert.NotErrorIs(t, res.Err, ErrMaxRetriesExceeded)
	assert.Equal(t, 1, limiter.calls)
	assert.Equal(t, 0, src.calls)
	assert.Empty(t, sleeper.sleeps)
}

func TestFetchSeries_ConsultsLimiterEveryAttempt(t *testing.T) {
	src := &scriptedSource{steps: []func() ([]Bar, error){
		fail(errors.New("boom")), succeed(bar(2, "10.0")),
	}}
	limiter := &stubLimiter{grant: true}
	f := newTestFetcher(src, &recordingSleeper{}, WithLimiter(limiter, 0))

	res := f.FetchSeries(context.Background(), testRequest(), 3)

	assert.Equal(t, OutcomeSeries, res.Outcome)
	assert.Equal(t, 2, limiter.calls)
}

func TestFetchSeries_DirectConnectionWithoutProxies(t *testing.T) {
	src := &scriptedSource{steps: []func() ([]Bar, error){succeed(bar(2, "10.0"))}}
	f := newTestFetcher(src, &recordingSleeper{}, WithProxies(proxypool.New(nil)))

	res := f.FetchSeries(context.Background(), testRequest(), 1)

	require.Equal(t, OutcomeSeries, res.Outcome)
	require.Len(t, src.egress, 1)
	assert.Empty(t, src.egress[0].Proxy)
	assert.NotEmpty(t, src.egress[0].Headers["User-Agent"])
	assert.Equal(t, "000001", src.request.Code)
}

func TestFetchSeries_CancelledContextStopsBeforeNextAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &scriptedSource{steps: []func() ([]Bar, error){
		func() ([]Bar, error) {
			cancel()
			return nil, errors.New("boom")
		},
	}}
	f := newTestFetcher(src, &recordingSleeper{})

	res := f.FetchSeries(ctx, testRequest(), 3)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 1, src.calls)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(0))
	assert.Equal(t, 2*time.Second, Backoff(1))
	assert.Equal(t, 4*time.Second, Backoff(2))
}

func TestParseAdjustMode(t *testing.T) {
	assert.Equal(t, AdjustForward, ParseAdjustMode("qfq"))
	assert.Equal(t, AdjustBackward, ParseAdjustMode("hfq"))
	assert.Equal(t, AdjustNone, ParseAdjustMode("none"))
	assert.Equal(t, AdjustForward, ParseAdjustMode(""))
	assert.Equal(t, AdjustForward, ParseAdjustMode("bogus"))
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(ErrTimeout))
	assert.True(t, IsTimeout(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.False(t, IsTimeout(errors.New("connection refused")))
	assert.False(t, IsTimeout(nil))
}
