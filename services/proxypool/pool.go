// Package proxypool rotates outbound requests across a set of HTTP proxies.
package proxypool

import (
	"context"
	"math/rand/v2"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"china_stock_proxy/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultProbeURL is the liveness endpoint used by Validate.
const DefaultProbeURL = "http://httpbin.org/ip"

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1",
}

// Pool holds the active rotation and the quarantined proxies.
// active and quarantined never share an entry.
type Pool struct {
	mu          sync.Mutex
	active      []string
	quarantined map[string]struct{}
	cursor      int

	probeURL string
	log      *zap.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithProbeURL sets the endpoint Validate probes.
func WithProbeURL(u string) Option {
	return func(p *Pool) {
		if u != "" {
			p.probeURL = u
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		p.log = l
	}
}

// New creates a pool seeded with proxies; duplicates are dropped.
func New(proxies []string, opts ...Option) *Pool {
	p := &Pool{
		quarantined: make(map[string]struct{}),
		probeURL:    DefaultProbeURL,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = logger.Or(p.log)

	for _, proxy := range proxies {
		if proxy != "" && !slices.Contains(p.active, proxy) {
			p.active = append(p.active, proxy)
		}
	}
	if len(p.active) == 0 {
		p.log.Warn("no proxies provided, requests will use direct connections")
	} else {
		p.log.Info("proxy pool initialized", zap.Int("proxies", len(p.active)))
	}
	return p
}

// Next returns the proxy under the cursor and advances it.
// ok is false when the active set is empty.
func (p *Pool) Next() (proxy string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.active) == 0 {
		return "", false
	}
	proxy = p.active[p.cursor]
	p.cursor = (p.cursor + 1) % len(p.active)
	return proxy, true
}

// Add appends proxy to the rotation unless it is already active or quarantined.
// A quarantined proxy is never resurrected implicitly.
func (p *Pool) Add(proxy string) bool {
	if proxy == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, bad := p.quarantined[proxy]; bad {
		return false
	}
	if slices.Contains(p.active, proxy) {
		return false
	}
	p.active = append(p.active, proxy)
	p.log.Info("added proxy to pool", zap.String("proxy", proxy))
	return true
}

// MarkFailed moves proxy from the rotation into quarantine. Repeated calls
// are no-ops.
func (p *Pool) MarkFailed(proxy string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := slices.Index(p.active, proxy)
	if idx < 0 {
		return
	}
	p.active = slices.Delete(p.active, idx, idx+1)
	p.quarantined[proxy] = struct{}{}

	switch {
	case len(p.active) == 0:
		p.cursor = 0
	case idx < p.cursor:
		p.cursor--
	}
	if len(p.active) > 0 {
		p.cursor %= len(p.active)
	}
	p.log.Warn("quarantined failed proxy", zap.String("proxy", proxy), zap.Int("active", len(p.active)))
}

// Shuffle randomizes the rotation order and rewinds the cursor.
func (p *Pool) Shuffle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	rand.Shuffle(len(p.active), func(i, j int) {
		p.active[i], p.active[j] = p.active[j], p.active[i]
	})
	p.cursor = 0
	p.log.Debug("proxy pool shuffled")
}

// Active returns a copy of the rotation in order.
func (p *Pool) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.active)
}

// Quarantined returns the quarantined proxies, sorted.
func (p *Pool) Quarantined() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.quarantined))
	for proxy := range p.quarantined {
		out = append(out, proxy)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of active proxies.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Validate probes the liveness endpoint through proxy. It does not change
// pool membership; callers decide whether to Add on success.
func (p *Pool) Validate(ctx context.Context, proxy string, timeout time.Duration) bool {
	proxyURL, err := url.Parse(proxy)
	if err != nil || proxyURL.Host == "" {
		p.log.Debug("proxy validation failed", zap.String("proxy", proxy), zap.Error(err))
		return false
	}

	client := &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.probeURL, nil)
	if err != nil {
		return false
	}
	for k, v := range Headers() {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		p.log.Debug("proxy validation failed", zap.String("proxy", proxy), zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	valid := resp.StatusCode == http.StatusOK
	p.log.Debug("proxy validation", zap.String("proxy", proxy), zap.Bool("valid", valid))
	return valid
}

// Admit validates candidates concurrently, at most concurrency at a time,
// and adds the ones that pass. It returns the number admitted.
func (p *Pool) Admit(ctx context.Context, candidates []string, concurrency int, timeout time.Duration) int {
	if concurrency <= 0 {
		concurrency = 1
	}
	passed := make([]bool, len(candidates))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, proxy := range candidates {
		g.Go(func() error {
			passed[i] = p.Validate(ctx, proxy, timeout)
			return nil
		})
	}
	_ = g.Wait()

	admitted := 0
	for i, proxy := range candidates {
		if passed[i] && p.Add(proxy) {
			admitted++
		}
	}
	p.log.Info("proxy validation finished", zap.Int("candidates", len(candidates)), zap.Int("admitted", admitted))
	return admitted
}

// UserAgent returns a random browser User-Agent.
func UserAgent() string {
	return userAgents[rand.IntN(len(userAgents))]
}

// Headers returns a request header set with a random User-Agent.
// Accept-Encoding is left to net/http so gzip bodies are decoded transparently.
func Headers() map[string]string {
	return map[string]string{
		"User-Agent":      UserAgent(),
		"Accept":          "application/json, text/html, */*",
		"Accept-Language": "zh-CN,zh;q=0.9,en;q=0.8",
		"Connection":      "keep-alive",
	}
}

// Headers is the method form of the package-level Headers.
func (p *Pool) Headers() map[string]string {
	return Headers()
}
