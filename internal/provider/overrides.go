package provider

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trogers1052/portfolio-valuation/internal/apperr"
	"github.com/trogers1052/portfolio-valuation/internal/models"
)

// ManualSource is the Quote.Source of a manually entered price
const ManualSource = "manual"

// Overrides holds manually entered prices for tickers no provider can price
type Overrides struct {
	mu     sync.RWMutex
	prices map[models.Ticker]models.Quote
}

// NewOverrides creates an empty override table
func NewOverrides() *Overrides {
	return &Overrides{prices: make(map[models.Ticker]models.Quote)}
}

// Set records a manual price for ticker
func (o *Overrides) Set(ticker string, price decimal.Decimal, at time.Time) error {
	t, err := models.ParseTicker(ticker)
	if err != nil {
		return err
	}
	if !price.IsPositive() {
		return &apperr.ValidationError{Field: "price", Ticker: string(t), Reason: "manual price must be positive"}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[t] = models.Quote{Ticker: t, Price: price, Timestamp: at, Source: ManualSource}
	return nil
}

// Get returns the manual quote for ticker
func (o *Overrides) Get(ticker models.Ticker) (models.Quote, bool) {
	if o == nil {
		return models.Quote{}, false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	q, ok := o.prices[ticker]
	return q, ok
}

// Delete removes the manual price for ticker
func (o *Overrides) Delete(ticker models.Ticker) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.prices, ticker)
}
