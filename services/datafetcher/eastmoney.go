package datafetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"china_stock_proxy/logger"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	// DefaultKlineBaseURL serves historical daily bars.
	DefaultKlineBaseURL = "https://push2his.eastmoney.com"
	// DefaultListBaseURL serves the instrument list.
	DefaultListBaseURL = "https://82.push2.eastmoney.com"

	klinePath = "/api/qt/stock/kline/get"
	listPath  = "/api/qt/clist/get"

	// Shanghai main board + STAR, Shenzhen main board + ChiNext, Beijing.
	aShareFilter = "m:0+t:6,m:0+t:80,m:1+t:2,m:1+t:23,m:0+t:81+s:2048"
	listPageSize = 5000
)

// Instrument is one entry of the remote A-share list.
type Instrument struct {
	Code     string
	Name     string
	Exchange string
	Flagged  bool
}

// Exchange returns SH, SZ or BJ for a six digit A-share code.
func Exchange(code string) string {
	switch {
	case strings.HasPrefix(code, "92"), strings.HasPrefix(code, "4"), strings.HasPrefix(code, "8"):
		return "BJ"
	case strings.HasPrefix(code, "6"), strings.HasPrefix(code, "9"):
		return "SH"
	default:
		return "SZ"
	}
}

// IsFlagged reports whether name marks a special-treatment instrument.
func IsFlagged(name string) bool {
	return strings.Contains(strings.ToUpper(name), "ST")
}

func secID(code string) string {
	if Exchange(code) == "SH" {
		return "1." + code
	}
	return "0." + code
}

func fqt(mode AdjustMode) string {
	switch mode {
	case AdjustBackward:
		return "2"
	case AdjustNone:
		return "0"
	default:
		return "1"
	}
}

// EastmoneySource fetches daily bars and the instrument list over HTTP.
// One client is kept per egress proxy.
type EastmoneySource struct {
	klineBase string
	listBase  string
	log       *zap.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

// EastmoneyOption configures an EastmoneySource.
type EastmoneyOption func(*EastmoneySource)

// WithBaseURLs overrides the kline and list endpoints.
func WithBaseURLs(kline, list string) EastmoneyOption {
	return func(s *EastmoneySource) {
		if kline != "" {
			s.klineBase = strings.TrimRight(kline, "/")
		}
		if list != "" {
			s.listBase = strings.TrimRight(list, "/")
		}
	}
}

// WithSourceLogger sets the logger.
func WithSourceLogger(l *zap.Logger) EastmoneyOption {
	return func(s *EastmoneySource) {
		s.log = l
	}
}

// NewEastmoneySource creates the HTTP source.
func NewEastmoneySource(opts ...EastmoneyOption) *EastmoneySource {
	s := &EastmoneySource{
		klineBase: DefaultKlineBaseURL,
		listBase:  DefaultListBaseURL,
		clients:   make(map[string]*http.Client),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.Or(s.log)
	return s
}

func (s *EastmoneySource) client(proxy string) (*http.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[proxy]; ok {
		return c, nil
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	c := &http.Client{Transport: transport}
	s.clients[proxy] = c
	return c, nil
}

// Close releases idle connections of every cached client.
func (s *EastmoneySource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.CloseIdleConnections()
	}
}

func (s *EastmoneySource) get(ctx context.Context, endpoint string, params url.Values, egress Egress) ([]byte, error) {
	c, err := s.client(egress.Proxy)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range egress.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Referer", "https://quote.eastmoney.com/")

	resp, err := c.Do(req)
	if err != nil {
		if IsTimeout(err) {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if IsTimeout(err) {
			return nil, fmt.Errorf("%w: reading body: %w", ErrTimeout, err)
		}
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source error (status %d): %s", resp.StatusCode, preview(body))
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid json: %s", ErrMalformedResponse, preview(body))
	}
	return body, nil
}

// FetchDaily implements Source.
func (s *EastmoneySource) FetchDaily(ctx context.Context, req Request, egress Egress) ([]Bar, error) {
	params := url.Values{}
	params.Set("secid", secID(req.Code))
	params.Set("klt", "101")
	params.Set("fqt", fqt(req.Adjust))
	params.Set("beg", req.Start.Format("20060102"))
	params.Set("end", req.End.Format("20060102"))
	params.Set("fields1", "f1,f2,f3")
	params.Set("fields2", "f51,f52,f53,f54,f55,f56,f57")

	body, err := s.get(ctx, s.klineBase+klinePath, params, egress)
	if err != nil {
		return nil, err
	}
	return ParseKlines(body)
}

// ParseKlines decodes a kline payload. A null data node or no rows is an
// empty, successful result.
func ParseKlines(body []byte) ([]Bar, error) {
	data := gjson.GetBytes(body, "data")
	if !data.Exists() || data.Type == gjson.Null {
		return nil, nil
	}
	rows := data.Get("klines")
	if !rows.Exists() || rows.Type == gjson.Null {
		return nil, nil
	}
	if !rows.IsArray() {
		return nil, fmt.Errorf("%w: klines is not an array", ErrMalformedResponse)
	}

	var bars []Bar
	var parseErr error
	rows.ForEach(func(_, row gjson.Result) bool {
		bar, err := parseKline(row.String())
		if err != nil {
			parseErr = err
			return false
		}
		bars = append(bars, bar)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return bars, nil
}

// parseKline reads "date,open,close,high,low,volume,amount".
func parseKline(row string) (Bar, error) {
	f := strings.Split(row, ",")
	if len(f) < 7 {
		return Bar{}, fmt.Errorf("%w: kline %q has %d fields", ErrMalformedResponse, row, len(f))
	}
	date, err := time.Parse("2006-01-02", f[0])
	if err != nil {
		return Bar{}, fmt.Errorf("%w: kline date %q", ErrMalformedResponse, f[0])
	}

	var nums [6]decimal.Decimal
	for i := range nums {
		nums[i], err = decimal.NewFromString(strings.TrimSpace(f[i+1]))
		if err != nil {
			return Bar{}, fmt.Errorf("%w: kline %s field %d: %v", ErrMalformedResponse, f[0], i+1, err)
		}
	}
	return Bar{
		Date:   date,
		Open:   nums[0],
		Close:  nums[1],
		High:   nums[2],
		Low:    nums[3],
		Volume: nums[4].IntPart(),
		Amount: nums[5],
	}, nil
}

// ListInstruments downloads every listed A-share.
func (s *EastmoneySource) ListInstruments(ctx context.Context, egress Egress) ([]Instrument, error) {
	var out []Instrument
	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("pn", fmt.Sprint(page))
		params.Set("pz", fmt.Sprint(listPageSize))
		params.Set("po", "0")
		params.Set("np", "1")
		params.Set("fltt", "2")
		params.Set("invt", "2")
		params.Set("fid", "f12")
		params.Set("fs", aShareFilter)
		params.Set("fields", "f12,f14")

		body, err := s.get(ctx, s.listBase+listPath, params, egress)
		if err != nil {
			return nil, fmt.Errorf("list page %d: %w", page, err)
		}
		items, total := ParseInstrumentPage(body)
		out = append(out, items...)
		if len(items) == 0 || len(out) >= total {
			break
		}
	}
	s.log.Info("fetched instrument list", zap.Int("instruments", len(out)))
	return out, nil
}

// ParseInstrumentPage decodes one clist page and returns its entries plus
// the reported total.
func ParseInstrumentPage(body []byte) ([]Instrument, int) {
	data := gjson.GetBytes(body, "data")
	if data.Type == gjson.Null || !data.Exists() {
		return nil, 0
	}
	var items []Instrument
	data.Get("diff").ForEach(func(_, v gjson.Result) bool {
		code := v.Get("f12").String()
		name := strings.TrimSpace(v.Get("f14").String())
		if code == "" || code == "-" {
			return true
		}
		items = append(items, Instrument{
			Code:     code,
			Name:     name,
			Exchange: Exchange(code),
			Flagged:  IsFlagged(name),
		})
		return true
	})
	return items, int(data.Get("total").Int())
}

func preview(body []byte) string {
	const n = 200
	if len(body) > n {
		return string(body[:n])
	}
	return string(body)
}
