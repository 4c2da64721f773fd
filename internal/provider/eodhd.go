package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/trogers1052/portfolio-valuation/internal/models"
)

const defaultEODHDBaseURL = "https://eodhd.com"

// EODHD reads end-of-day, real-time, fundamentals and news endpoints of eodhd.com
type EODHD struct {
	name     string
	baseURL  string
	apiKey   string
	exchange string
	client   *http.Client
}

// EODHDOption configures an EODHD provider
type EODHDOption func(*EODHD)

// WithEODHDBaseURL points the provider at another host
func WithEODHDBaseURL(u string) EODHDOption {
	return func(e *EODHD) { e.baseURL = strings.TrimRight(u, "/") }
}

// WithEODHDClient replaces the HTTP client
func WithEODHDClient(c *http.Client) EODHDOption {
	return func(e *EODHD) { e.client = c }
}

// WithEODHDExchange sets the suffix appended to bare tickers. Defaults to US
func WithEODHDExchange(code string) EODHDOption {
	return func(e *EODHD) { e.exchange = strings.ToUpper(code) }
}

// NewEODHD creates an EODHD provider
func NewEODHD(name, apiKey string, timeout time.Duration, opts ...EODHDOption) *EODHD {
	if name == "" {
		name = string(KindEODHD)
	}
	e := &EODHD{
		name:     name,
		baseURL:  defaultEODHDBaseURL,
		apiKey:   apiKey,
		exchange: "US",
		client:   newHTTPClient(timeout, ""),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *EODHD) Name() string { return e.name }

func (e *EODHD) Kind() Kind { return KindEODHD }

// SupportsNews is always true for EODHD
func (e *EODHD) SupportsNews() bool { return true }

// code turns AAPL into AAPL.US; tickers that already carry an exchange are kept
func (e *EODHD) code(t models.Ticker) string {
	if strings.Contains(string(t), ".") {
		return string(t)
	}
	return string(t) + "." + e.exchange
}

func (e *EODHD) get(ctx context.Context, ticker models.Ticker, path string, params url.Values) (Raw, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("api_token", e.apiKey)
	params.Set("fmt", "json")
	addr := fmt.Sprintf("%s%s?%s", e.baseURL, path, params.Encode())

	body, err := getJSON(ctx, e.client, e.name, addr)
	if err != nil {
		return Raw{}, err
	}
	return Raw{Provider: e.name, Kind: KindEODHD, Ticker: ticker, Body: body, ReceivedAt: time.Now()}, nil
}

func (e *EODHD) FetchQuote(ctx context.Context, ticker models.Ticker) (Raw, error) {
	return e.get(ctx, ticker, "/api/real-time/"+url.PathEscape(e.code(ticker)), nil)
}

// FetchCandles requests bars between start and end; both bounds are inclusive upstream
func (e *EODHD) FetchCandles(ctx context.Context, ticker models.Ticker, start, end time.Time) (Raw, error) {
	return e.get(ctx, ticker, "/api/eod/"+url.PathEscape(e.code(ticker)), url.Values{
		"from": {start.Format("2006-01-02")},
		"to":   {end.Format("2006-01-02")},
	})
}

func (e *EODHD) FetchProfile(ctx context.Context, ticker models.Ticker) (Raw, error) {
	return e.get(ctx, ticker, "/api/fundamentals/"+url.PathEscape(e.code(ticker)), url.Values{
		"filter": {"General"},
	})
}

func (e *EODHD) FetchNews(ctx context.Context, ticker models.Ticker, limit int) (Raw, error) {
	return e.get(ctx, ticker, "/api/news", url.Values{
		"s":     {e.code(ticker)},
		"limit": {fmt.Sprint(limit)},
	})
}
