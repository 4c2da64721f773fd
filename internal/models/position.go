package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/portfolio-valuation/internal/apperr"
)

// Holding represents a position inside a portfolio
type Holding struct {
	Ticker    Ticker          `json:"ticker"`
	Shares    decimal.Decimal `json:"shares"`
	CostBasis decimal.Decimal `json:"cost_basis"`
	OpenedAt  time.Time       `json:"opened_at,omitempty"`
}

// Validate checks the holding invariants
func (h Holding) Validate() error {
	if h.Ticker == "" {
		return &apperr.ValidationError{Field: "ticker", Reason: "missing ticker"}
	}
	if !h.Shares.IsPositive() {
		return &apperr.ValidationError{Field: "shares", Ticker: string(h.Ticker), Reason: "shares must be positive, got " + h.Shares.String()}
	}
	if h.CostBasis.IsNegative() {
		return &apperr.ValidationError{Field: "cost_basis", Ticker: string(h.Ticker), Reason: "cost basis cannot be negative"}
	}
	return nil
}

// HoldingValue is a holding priced at a snapshot's asOf
type HoldingValue struct {
	Ticker        Ticker          `json:"ticker"`
	Shares        decimal.Decimal `json:"shares"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	Price         decimal.Decimal `json:"price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	PriceSource   string          `json:"price_source"`
	PriceAsOf     time.Time       `json:"price_as_of"`
	Stale         bool            `json:"stale"`
}

// PriceHolding values h at price
func PriceHolding(h Holding, price decimal.Decimal) HoldingValue {
	mv := h.Shares.Mul(price)
	return HoldingValue{
		Ticker:        h.Ticker,
		Shares:        h.Shares,
		CostBasis:     h.CostBasis,
		Price:         price,
		MarketValue:   mv,
		UnrealizedPnL: mv.Sub(h.CostBasis),
	}
}
