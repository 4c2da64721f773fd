package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/portfolio-valuation/internal/apperr"
)

// Quote is the latest observed price for a ticker
type Quote struct {
	Ticker    Ticker          `json:"ticker"`
	Price     decimal.Decimal `json:"price"`
	Currency  string          `json:"currency,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Stale     bool            `json:"stale"`
}

// Validate checks the quote invariants
func (q Quote) Validate() error {
	if q.Ticker == "" {
		return &apperr.ValidationError{Field: "ticker", Reason: "missing ticker"}
	}
	if !q.Price.IsPositive() {
		return &apperr.ValidationError{Field: "price", Ticker: string(q.Ticker), Reason: "price must be positive, got " + q.Price.String()}
	}
	if q.Timestamp.IsZero() {
		return &apperr.ValidationError{Field: "timestamp", Ticker: string(q.Ticker), Reason: "missing timestamp"}
	}
	return nil
}

// PricePoint is a last-known price recovered from a fallback source
type PricePoint struct {
	Ticker Ticker          `json:"ticker"`
	Price  decimal.Decimal `json:"price"`
	AsOf   time.Time       `json:"as_of"`
	Source string          `json:"source"`
}

// Profile holds descriptive data about a listed security
type Profile struct {
	Ticker   Ticker `json:"ticker"`
	Name     string `json:"name"`
	Exchange string `json:"exchange,omitempty"`
	Currency string `json:"currency,omitempty"`
	Sector   string `json:"sector,omitempty"`
	Industry string `json:"industry,omitempty"`
	Source   string `json:"source"`
}

// NewsItem is one headline about a ticker
type NewsItem struct {
	Ticker      Ticker    `json:"ticker"`
	Title       string    `json:"title"`
	URL         string    `json:"url,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	Source      string    `json:"source"`
}
