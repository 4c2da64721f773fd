// Package valuation turns holdings and cash into a persisted portfolio
// snapshot, degrading per holding to last-known prices when live quotes fail
package valuation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/trogers1052/portfolio-valuation/internal/apperr"
	"github.com/trogers1052/portfolio-valuation/internal/clock"
	"github.com/trogers1052/portfolio-valuation/internal/logging"
	"github.com/trogers1052/portfolio-valuation/internal/models"
	"github.com/trogers1052/portfolio-valuation/internal/provider"
)

// DefaultConcurrency bounds concurrent quote fetches per snapshot
const DefaultConcurrency = 8

// QuoteFetcher supplies live quotes
type QuoteFetcher interface {
	FetchQuote(ctx context.Context, ticker string) (models.Quote, error)
}

// SnapshotStore persists snapshots
type SnapshotStore interface {
	UpsertSnapshot(ctx context.Context, s *models.PortfolioSnapshot) error
}

// PriceFallback recovers a last-known price. The bool is false when the
// source has nothing for the ticker
type PriceFallback interface {
	LastKnownPrice(ctx context.Context, portfolioID string, ticker models.Ticker) (models.PricePoint, bool, error)
}

// QuoteRecorder keeps live quotes for later fallback
type QuoteRecorder interface {
	RecordQuotes(ctx context.Context, quotes []models.Quote) error
}

// EventPublisher announces persisted snapshots
type EventPublisher interface {
	PublishSnapshotRecorded(ctx context.Context, s *models.PortfolioSnapshot) error
}

// Orchestrator builds portfolio snapshots
type Orchestrator struct {
	quotes      QuoteFetcher
	store       SnapshotStore
	fallbacks   []PriceFallback
	recorder    QuoteRecorder
	publisher   EventPublisher
	clock       clock.Clock
	logger      *logging.Logger
	concurrency int
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithFallbacks sets the last-known price sources, tried in order
func WithFallbacks(f ...PriceFallback) Option {
	return func(o *Orchestrator) { o.fallbacks = append(o.fallbacks, f...) }
}

func WithRecorder(r QuoteRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

func WithPublisher(p EventPublisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithConcurrency(n int) Option {
	return func(o *Orchestrator) { o.concurrency = n }
}

// NewOrchestrator creates an Orchestrator
func NewOrchestrator(quotes QuoteFetcher, store SnapshotStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		quotes:      quotes,
		store:       store,
		clock:       clock.Real{},
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.concurrency < 1 {
		o.concurrency = 1
	}
	o.logger = logging.OrSilent(o.logger)
	return o
}

// pricing is the price chosen for one ticker
type pricing struct {
	price  decimal.Decimal
	source string
	asOf   time.Time
	stale  bool
	live   *models.Quote
}

// BuildSnapshot values holdings plus cash at the current time and persists
// the result. A ticker whose live quote fails is priced from the fallbacks
// and flagged stale; a ticker with no price at all fails the whole call
// with NoDataAvailable. A retry that gave up early on a live ctx still
// falls back. Cancellation of ctx and persistence errors are returned
// unchanged
func (o *Orchestrator) BuildSnapshot(ctx context.Context, portfolioID string, holdings []models.Holding, cash decimal.Decimal) (*models.PortfolioSnapshot, error) {
	normalized, tickers, err := validate(portfolioID, holdings, cash)
	if err != nil {
		return nil, err
	}

	prices := make([]pricing, len(tickers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i, t := range tickers {
		g.Go(func() error {
			p, err := o.price(gctx, portfolioID, t)
			if err != nil {
				return err
			}
			prices[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byTicker := make(map[models.Ticker]pricing, len(tickers))
	var live []models.Quote
	for i, t := range tickers {
		byTicker[t] = prices[i]
		if prices[i].live != nil {
			live = append(live, *prices[i].live)
		}
	}

	snapshot := &models.PortfolioSnapshot{
		PortfolioID: portfolioID,
		AsOf:        models.NormalizeAsOf(o.clock.Now()),
		CashBalance: cash,
		Holdings:    make([]models.HoldingValue, 0, len(normalized)),
	}
	for _, h := range normalized {
		p := byTicker[h.Ticker]
		hv := models.PriceHolding(h, p.price)
		hv.PriceSource = p.source
		hv.PriceAsOf = p.asOf
		hv.Stale = p.stale
		snapshot.Holdings = append(snapshot.Holdings, hv)
	}
	snapshot.Recalculate()

	if err := o.store.UpsertSnapshot(ctx, snapshot); err != nil {
		return nil, err
	}

	o.logger.Info().
		Str("portfolio_id", portfolioID).
		Str("total_value", Display(snapshot.TotalValue, "USD")).
		Int("holdings", len(snapshot.Holdings)).
		Int("stale", snapshot.StaleCount).
		Msg("snapshot recorded")

	o.afterPersist(ctx, snapshot, live)
	return snapshot, nil
}

// afterPersist records live quotes and publishes the snapshot. Failures are
// logged only
func (o *Orchestrator) afterPersist(ctx context.Context, s *models.PortfolioSnapshot, live []models.Quote) {
	if o.recorder != nil && len(live) > 0 {
		if err := o.recorder.RecordQuotes(ctx, live); err != nil {
			o.logger.Warn().Str("portfolio_id", s.PortfolioID).Err(err).Msg("failed to record quotes")
		}
	}
	if o.publisher != nil {
		if err := o.publisher.PublishSnapshotRecorded(ctx, s); err != nil {
			o.logger.Warn().Str("portfolio_id", s.PortfolioID).Err(err).Msg("failed to publish snapshot event")
		}
	}
}

// price fetches a live quote for t, falling back to last-known prices
func (o *Orchestrator) price(ctx context.Context, portfolioID string, t models.Ticker) (pricing, error) {
	q, err := o.quotes.FetchQuote(ctx, string(t))
	if err == nil {
		p := pricing{price: q.Price, source: q.Source, asOf: q.Timestamp, stale: q.Stale}
		// manual prices are not market observations and are never recorded
		if q.Source != provider.ManualSource {
			p.live = &q
		}
		return p, nil
	}
	if ctx.Err() != nil {
		return pricing{}, err
	}

	o.logger.Warn().Str("portfolio_id", portfolioID).Str("ticker", string(t)).Err(err).Msg("live quote failed, trying last known price")

	causes := []error{err}
	for _, f := range o.fallbacks {
		p, found, ferr := f.LastKnownPrice(ctx, portfolioID, t)
		if ferr != nil {
			if ctx.Err() != nil {
				return pricing{}, ferr
			}
			o.logger.Warn().Str("ticker", string(t)).Err(ferr).Msg("fallback price lookup failed")
			causes = append(causes, ferr)
			continue
		}
		if found && p.Price.IsPositive() {
			return pricing{price: p.Price, source: p.Source, asOf: p.AsOf, stale: true}, nil
		}
	}

	return pricing{}, &apperr.MarketDataError{
		Kind:   apperr.KindNoDataAvailable,
		Ticker: string(t),
		Err:    fmt.Errorf("no live or last known price: %w", errors.Join(causes...)),
	}
}

// validate normalizes tickers and returns the distinct ones in first-seen
// order
func validate(portfolioID string, holdings []models.Holding, cash decimal.Decimal) ([]models.Holding, []models.Ticker, error) {
	if portfolioID == "" {
		return nil, nil, apperr.NewValidationError("portfolio_id", "portfolio id is empty")
	}
	if cash.IsNegative() {
		return nil, nil, apperr.NewValidationError("cash_balance", "cash balance cannot be negative, got "+cash.String())
	}

	out := make([]models.Holding, len(holdings))
	seen := make(map[models.Ticker]bool, len(holdings))
	var tickers []models.Ticker
	for i, h := range holdings {
		t, err := models.ParseTicker(string(h.Ticker))
		if err != nil {
			return nil, nil, err
		}
		h.Ticker = t
		if err := h.Validate(); err != nil {
			return nil, nil, err
		}
		out[i] = h
		if !seen[t] {
			seen[t] = true
			tickers = append(tickers, t)
		}
	}
	return out, tickers, nil
}

// Display formats amount in currency for logs and API responses
func Display(amount decimal.Decimal, currency string) string {
	c := money.GetCurrency(currency)
	if c == nil {
		return amount.StringFixed(2) + " " + currency
	}
	minor := amount.Shift(int32(c.Fraction)).Round(0).IntPart()
	return money.New(minor, c.Code).Display()
}
