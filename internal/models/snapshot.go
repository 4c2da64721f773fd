package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PortfolioSnapshot is a point-in-time valuation of a portfolio
type PortfolioSnapshot struct {
	ID          uuid.UUID       `json:"id"`
	PortfolioID string          `json:"portfolio_id"`
	AsOf        time.Time       `json:"as_of"`
	TotalValue  decimal.Decimal `json:"total_value"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	Holdings    []HoldingValue  `json:"holdings"`
	StaleCount  int             `json:"stale_count"`
	CreatedAt   time.Time       `json:"created_at,omitempty"`
}

// Recalculate sets TotalValue and StaleCount from the cash balance and holdings
func (s *PortfolioSnapshot) Recalculate() {
	total := s.CashBalance
	stale := 0
	for _, h := range s.Holdings {
		total = total.Add(h.MarketValue)
		if h.Stale {
			stale++
		}
	}
	s.TotalValue = total
	s.StaleCount = stale
}

// Holding returns the valued holding for ticker, if present
func (s *PortfolioSnapshot) Holding(ticker Ticker) (HoldingValue, bool) {
	for _, h := range s.Holdings {
		if h.Ticker == ticker {
			return h, true
		}
	}
	return HoldingValue{}, false
}

// NormalizeAsOf reduces t to UTC at microsecond precision, the resolution
// every backing store can round-trip
func NormalizeAsOf(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
