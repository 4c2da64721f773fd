package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/portfolio-valuation/internal/apperr"
)

// CandleBar represents one daily OHLCV observation for a ticker
type CandleBar struct {
	Ticker Ticker          `json:"ticker"`
	Date   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// Validate checks the bar invariants and names the first offending field
func (b CandleBar) Validate() error {
	fail := func(field, format string, args ...any) error {
		return &apperr.ValidationError{
			Field:  field,
			Ticker: string(b.Ticker),
			Date:   b.Date,
			Reason: fmt.Sprintf(format, args...),
		}
	}

	if b.Ticker == "" {
		return fail("ticker", "missing ticker")
	}
	if b.Date.IsZero() {
		return fail("date", "missing date")
	}
	for _, f := range []struct {
		name  string
		value decimal.Decimal
	}{{"open", b.Open}, {"high", b.High}, {"low", b.Low}, {"close", b.Close}} {
		if !f.value.IsPositive() {
			return fail(f.name, "%s must be positive, got %s", f.name, f.value)
		}
	}
	if b.High.LessThan(decimal.Max(b.Open, b.Close)) {
		return fail("high", "high %s is below max(open %s, close %s)", b.High, b.Open, b.Close)
	}
	if b.Low.GreaterThan(decimal.Min(b.Open, b.Close)) {
		return fail("low", "low %s is above min(open %s, close %s)", b.Low, b.Open, b.Close)
	}
	if b.Volume < 0 {
		return fail("volume", "volume %d is negative", b.Volume)
	}
	return nil
}

// DateOnly truncates t to its calendar date at UTC midnight
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
