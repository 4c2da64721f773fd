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

const defaultYahooBaseURL = "https://query1.finance.yahoo.com"

// Yahoo reads the public Yahoo Finance chart API
type Yahoo struct {
	name      string
	baseURL   string
	client    *http.Client
	symbolMap map[string]string
}

// YahooOption configures a Yahoo provider
type YahooOption func(*Yahoo)

// WithYahooBaseURL points the provider at another host, e.g. a test server
func WithYahooBaseURL(u string) YahooOption {
	return func(y *Yahoo) { y.baseURL = strings.TrimRight(u, "/") }
}

// WithYahooClient replaces the HTTP client
func WithYahooClient(c *http.Client) YahooOption {
	return func(y *Yahoo) { y.client = c }
}

// WithYahooSymbols maps internal tickers to Yahoo symbols
func WithYahooSymbols(m map[string]string) YahooOption {
	return func(y *Yahoo) {
		for k, v := range m {
			y.symbolMap[strings.ToUpper(k)] = v
		}
	}
}

// NewYahoo creates a Yahoo provider
func NewYahoo(name string, timeout time.Duration, proxyURL string, opts ...YahooOption) *Yahoo {
	if name == "" {
		name = string(KindYahoo)
	}
	y := &Yahoo{
		name:      name,
		baseURL:   defaultYahooBaseURL,
		client:    newHTTPClient(timeout, proxyURL),
		symbolMap: map[string]string{"SPX": "^GSPC", "SPX500": "^GSPC"},
	}
	for _, opt := range opts {
		opt(y)
	}
	return y
}

func (y *Yahoo) Name() string { return y.name }

func (y *Yahoo) Kind() Kind { return KindYahoo }

func (y *Yahoo) symbol(t models.Ticker) string {
	if mapped, ok := y.symbolMap[string(t)]; ok {
		return mapped
	}
	return string(t)
}

func (y *Yahoo) chart(ctx context.Context, ticker models.Ticker, params url.Values) (Raw, error) {
	addr := fmt.Sprintf("%s/v8/finance/chart/%s?%s", y.baseURL, url.PathEscape(y.symbol(ticker)), params.Encode())
	body, err := getJSON(ctx, y.client, y.name, addr)
	if err != nil {
		return Raw{}, err
	}
	return Raw{Provider: y.name, Kind: KindYahoo, Ticker: ticker, Body: body, ReceivedAt: time.Now()}, nil
}

// FetchQuote reads the chart meta block, which carries the regular market price
func (y *Yahoo) FetchQuote(ctx context.Context, ticker models.Ticker) (Raw, error) {
	return y.chart(ctx, ticker, url.Values{"interval": {"1d"}, "range": {"1d"}})
}

// FetchCandles requests daily bars between start and end inclusive
func (y *Yahoo) FetchCandles(ctx context.Context, ticker models.Ticker, start, end time.Time) (Raw, error) {
	return y.chart(ctx, ticker, url.Values{
		"interval": {"1d"},
		"period1":  {fmt.Sprint(models.DateOnly(start).Unix())},
		"period2":  {fmt.Sprint(models.DateOnly(end).AddDate(0, 0, 1).Unix())},
	})
}

// FetchProfile reuses the chart meta block for names, exchange and currency
func (y *Yahoo) FetchProfile(ctx context.Context, ticker models.Ticker) (Raw, error) {
	return y.chart(ctx, ticker, url.Values{"interval": {"1d"}, "range": {"1d"}})
}
