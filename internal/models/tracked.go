package models

import "time"

// TrackedSymbol is a ticker whose history is refreshed on a schedule
type TrackedSymbol struct {
	Ticker    Ticker    `json:"ticker"`
	Enabled   bool      `json:"enabled"`
	Priority  int       `json:"priority"`
	AddedAt   time.Time `json:"added_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
