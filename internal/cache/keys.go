package cache

import (
	"strconv"
	"strings"
	"time"
)

// Kind is the operation a cache key belongs to
type Kind string

const (
	KindQuote   Kind = "quote"
	KindCandle  Kind = "candle"
	KindProfile Kind = "profile"
	KindNews    Kind = "news"
)

// Default freshness per kind
const (
	DefaultQuoteTTL   = 30 * time.Second
	DefaultCandleTTL  = time.Hour
	DefaultProfileTTL = 24 * time.Hour
	DefaultNewsTTL    = 24 * time.Hour
)

// TTLs holds the freshness window for each kind
type TTLs struct {
	Quote   time.Duration
	Candle  time.Duration
	Profile time.Duration
	News    time.Duration
}

// DefaultTTLs returns the default per-kind TTLs
func DefaultTTLs() TTLs {
	return TTLs{
		Quote:   DefaultQuoteTTL,
		Candle:  DefaultCandleTTL,
		Profile: DefaultProfileTTL,
		News:    DefaultNewsTTL,
	}
}

// For returns the TTL configured for kind
func (t TTLs) For(kind Kind) time.Duration {
	switch kind {
	case KindQuote:
		return t.Quote
	case KindCandle:
		return t.Candle
	case KindProfile:
		return t.Profile
	case KindNews:
		return t.News
	default:
		return t.Quote
	}
}

// Key joins a kind and its parameters
func Key(kind Kind, parts ...string) string {
	return string(kind) + ":" + strings.Join(parts, ":")
}

func QuoteKey(ticker string) string { return Key(KindQuote, ticker) }

func CandleKey(ticker string, start, end time.Time) string {
	return Key(KindCandle, ticker, start.Format("2006-01-02"), end.Format("2006-01-02"))
}

func ProfileKey(ticker string) string { return Key(KindProfile, ticker) }

func NewsKey(ticker string, limit int) string {
	return Key(KindNews, ticker, strconv.Itoa(limit))
}
