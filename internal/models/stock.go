package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types exchanged over Kafka
const (
	EventSnapshotRecorded   = "SNAPSHOT_RECORDED"
	EventHistoryAppended    = "HISTORY_APPENDED"
	EventValuationRequested = "VALUATION_REQUESTED"
)

// SnapshotEvent announces a persisted portfolio snapshot
type SnapshotEvent struct {
	EventID     string             `json:"event_id"`
	EventType   string             `json:"event_type"`
	PortfolioID string             `json:"portfolio_id"`
	Snapshot    *PortfolioSnapshot `json:"snapshot,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}

// HistoryEvent announces bars appended to market history
type HistoryEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Ticker    Ticker    `json:"ticker"`
	Written   int       `json:"written"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// ValuationRequest asks for a snapshot of a portfolio
type ValuationRequest struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	PortfolioID string          `json:"portfolio_id"`
	Holdings    []Holding       `json:"holdings"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	Timestamp   time.Time       `json:"timestamp"`
}
