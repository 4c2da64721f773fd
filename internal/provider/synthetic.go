package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trogers1052/portfolio-valuation/internal/clock"
	"github.com/trogers1052/portfolio-valuation/internal/models"
)

var syntheticEpoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Synthetic generates a deterministic random walk per ticker over business
// days. The same seed and ticker always produce the same bars, whatever range
// is requested
type Synthetic struct {
	name  string
	seed  uint64
	clock clock.Clock
}

// NewSynthetic creates a synthetic provider
func NewSynthetic(name string, seed uint64, c clock.Clock) *Synthetic {
	if name == "" {
		name = string(KindSynthetic)
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Synthetic{name: name, seed: seed, clock: c}
}

func (s *Synthetic) Name() string { return s.name }

func (s *Synthetic) Kind() Kind { return KindSynthetic }

// SupportsNews is always true for the synthetic provider
func (s *Synthetic) SupportsNews() bool { return true }

type syntheticBar struct {
	date                   time.Time
	open, high, low, close float64
	volume                 int64
}

func tickerHash(t models.Ticker) uint64 {
	h := fnv.New64a()
	h.Write([]byte(t))
	return h.Sum64()
}

// walk calls fn for every business day from the epoch through end
func (s *Synthetic) walk(ticker models.Ticker, end time.Time, fn func(syntheticBar)) {
	h := tickerHash(ticker)
	rng := rand.New(rand.NewPCG(s.seed, h))
	prev := 20 + float64(h%48000)/100

	for d := syntheticEpoch; !d.After(end); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		open := prev * (1 + rng.NormFloat64()*0.003)
		closePx := prev * (1 + 0.0003 + rng.NormFloat64()*0.015)
		high := math.Max(open, closePx) * (1 + math.Abs(rng.NormFloat64())*0.005)
		low := math.Min(open, closePx) * (1 - math.Abs(rng.NormFloat64())*0.005)
		volume := int64(1_000_000 + rng.IntN(9_000_000))

		fn(syntheticBar{date: d, open: open, high: high, low: low, close: closePx, volume: volume})
		prev = closePx
	}
}

func price(v float64) json.Number {
	return json.Number(decimal.NewFromFloat(v).StringFixed(2))
}

func (s *Synthetic) raw(ticker models.Ticker, body any) Raw {
	return Raw{Provider: s.name, Kind: KindSynthetic, Ticker: ticker, Body: body, ReceivedAt: s.clock.Now()}
}

// FetchQuote returns the close of the latest business day as the live price
func (s *Synthetic) FetchQuote(ctx context.Context, ticker models.Ticker) (Raw, error) {
	if err := ctx.Err(); err != nil {
		return Raw{}, err
	}
	now := s.clock.Now().UTC()
	var last syntheticBar
	s.walk(ticker, models.DateOnly(now), func(b syntheticBar) { last = b })
	if last.date.IsZero() {
		return Raw{}, ErrUnsupported
	}
	return s.raw(ticker, map[string]any{
		"symbol": string(ticker),
		"last":   price(last.close),
		"ts":     json.Number(fmt.Sprint(now.Unix())),
	}), nil
}

func (s *Synthetic) FetchCandles(ctx context.Context, ticker models.Ticker, start, end time.Time) (Raw, error) {
	if err := ctx.Err(); err != nil {
		return Raw{}, err
	}
	start, end = models.DateOnly(start), models.DateOnly(end)
	bars := []any{}
	s.walk(ticker, end, func(b syntheticBar) {
		if b.date.Before(start) {
			return
		}
		bars = append(bars, map[string]any{
			"d": b.date.Format("2006-01-02"),
			"o": price(b.open),
			"h": price(b.high),
			"l": price(b.low),
			"c": price(b.close),
			"v": json.Number(fmt.Sprint(b.volume)),
		})
	})
	return s.raw(ticker, map[string]any{"symbol": string(ticker), "bars": bars}), nil
}

func (s *Synthetic) FetchProfile(ctx context.Context, ticker models.Ticker) (Raw, error) {
	if err := ctx.Err(); err != nil {
		return Raw{}, err
	}
	sectors := []string{"Technology", "Healthcare", "Financials", "Energy", "Industrials"}
	return s.raw(ticker, map[string]any{
		"symbol":   string(ticker),
		"name":     string(ticker) + " Synthetic Holdings",
		"exchange": "SYNTH",
		"currency": "USD",
		"sector":   sectors[tickerHash(ticker)%uint64(len(sectors))],
		"industry": "Simulated",
	}), nil
}

func (s *Synthetic) FetchNews(ctx context.Context, ticker models.Ticker, limit int) (Raw, error) {
	if err := ctx.Err(); err != nil {
		return Raw{}, err
	}
	now := s.clock.Now().UTC().Truncate(time.Hour)
	items := make([]any, 0, limit)
	for i := 0; i < limit; i++ {
		items = append(items, map[string]any{
			"headline":  fmt.Sprintf("%s synthetic headline #%d", ticker, i+1),
			"url":       fmt.Sprintf("https://example.invalid/%s/%d", ticker, i+1),
			"published": json.Number(fmt.Sprint(now.Add(-time.Duration(i) * time.Hour).Unix())),
		})
	}
	return s.raw(ticker, map[string]any{"items": items}), nil
}
