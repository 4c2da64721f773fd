package valuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trogers1052/portfolio-valuation/internal/apperr"
	"github.com/trogers1052/portfolio-valuation/internal/cache"
	"github.com/trogers1052/portfolio-valuation/internal/clock"
	"github.com/trogers1052/portfolio-valuation/internal/database"
	"github.com/trogers1052/portfolio-valuation/internal/marketdata"
	"github.com/trogers1052/portfolio-valuation/internal/models"
	"github.com/trogers1052/portfolio-valuation/internal/provider"
	"github.com/trogers1052/portfolio-valuation/internal/retry"
	"github.com/trogers1052/portfolio-valuation/internal/transform"
)

// partialProvider quotes fixed prices and times out for every other ticker
type partialProvider struct {
	prices map[models.Ticker]string
	calls  atomic.Int32
}

func (p *partialProvider) Name() string        { return "partial" }
func (p *partialProvider) Kind() provider.Kind { return provider.KindSynthetic }

func (p *partialProvider) FetchQuote(ctx context.Context, t models.Ticker) (provider.Raw, error) {
	p.calls.Add(1)
	price, ok := p.prices[t]
	if !ok {
		return provider.Raw{}, apperr.MarkTransient(errors.New("gateway timeout"))
	}
	return provider.Raw{
		Provider: p.Name(),
		Kind:     provider.KindSynthetic,
		Ticker:   t,
		Body: map[string]any{
			"last": json.Number(price),
			"ts":   json.Number(fmt.Sprint(testNow.Add(-time.Minute).Unix())),
		},
		ReceivedAt: testNow,
	}, nil
}

func (p *partialProvider) FetchCandles(ctx context.Context, t models.Ticker, start, end time.Time) (provider.Raw, error) {
	return provider.Raw{}, provider.ErrUnsupported
}

func (p *partialProvider) FetchProfile(ctx context.Context, t models.Ticker) (provider.Raw, error) {
	return provider.Raw{}, provider.ErrUnsupported
}

func TestEndToEndStaleFallback(t *testing.T) {
	ctx := context.Background()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "valuation.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate())

	// MSFT was last valued at $300 on 2025-09-29
	prior := &models.PortfolioSnapshot{
		PortfolioID: "main",
		AsOf:        time.Date(2025, 9, 29, 20, 0, 0, 0, time.UTC),
		CashBalance: decimal.NewFromInt(500),
		Holdings: []models.HoldingValue{
			models.PriceHolding(holding("MSFT", 5), decimal.NewFromInt(300)),
		},
	}
	prior.Recalculate()
	require.NoError(t, db.UpsertSnapshot(ctx, prior))

	retryClock := clock.NewFake(testNow)
	upstream := &partialProvider{prices: map[models.Ticker]string{"AAPL": "150"}}
	svc := marketdata.NewService(
		[]provider.Provider{upstream},
		cache.New(100, cache.WithClock(clock.NewFake(testNow))),
		retry.NewExecutor(retry.WithClock(retryClock)),
		transform.NewNormalizer(nil),
		marketdata.WithPolicy(retry.Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}),
	)

	o := NewOrchestrator(svc, db, WithFallbacks(db), WithClock(clock.NewFake(testNow)))

	s, err := o.BuildSnapshot(ctx, "main", []models.Holding{holding("AAPL", 10), holding("MSFT", 5)}, decimal.NewFromInt(500))
	require.NoError(t, err)

	assert.True(t, decimal.NewFromInt(3500).Equal(s.TotalValue), "got %s", s.TotalValue)
	assert.Equal(t, 1, s.StaleCount)

	msft, ok := s.Holding("MSFT")
	require.True(t, ok)
	assert.True(t, msft.Stale)
	assert.Equal(t, database.SourceSnapshot, msft.PriceSource)
	assert.True(t, decimal.NewFromInt(300).Equal(msft.Price))

	aapl, ok := s.Holding("AAPL")
	require.True(t, ok)
	assert.False(t, aapl.Stale)
	assert.Equal(t, "partial", aapl.PriceSource)

	// one AAPL call plus three MSFT attempts with two backoffs
	assert.Equal(t, int32(4), upstream.calls.Load())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, retryClock.Sleeps())

	stored, err := db.GetLatestSnapshot(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, s.ID, stored.ID)
	assert.True(t, decimal.NewFromInt(3500).Equal(stored.TotalValue))
	assert.Equal(t, 1, stored.StaleCount)
}

func TestEndToEndDeadlineShorterThanBackoff(t *testing.T) {
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "valuation.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate())

	prior := &models.PortfolioSnapshot{
		PortfolioID: "main",
		AsOf:        time.Date(2025, 9, 29, 20, 0, 0, 0, time.UTC),
		CashBalance: decimal.NewFromInt(500),
		Holdings: []models.HoldingValue{
			models.PriceHolding(holding("MSFT", 5), decimal.NewFromInt(300)),
		},
	}
	prior.Recalculate()
	require.NoError(t, db.UpsertSnapshot(context.Background(), prior))

	upstream := &partialProvider{prices: map[models.Ticker]string{"AAPL": "150"}}
	svc := marketdata.NewService(
		[]provider.Provider{upstream},
		cache.New(100, cache.WithClock(clock.NewFake(testNow))),
		retry.NewExecutor(retry.WithClock(clock.NewFake(testNow))),
		transform.NewNormalizer(nil),
		marketdata.WithPolicy(retry.Policy{MaxAttempts: 3, BaseDelay: 10 * time.Second, MaxDelay: time.Minute}),
	)
	o := NewOrchestrator(svc, db, WithFallbacks(db), WithClock(clock.NewFake(testNow)))

	// the first backoff would outlive the deadline, so MSFT gives up after one attempt
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := o.BuildSnapshot(ctx, "main", []models.Holding{holding("AAPL", 10), holding("MSFT", 5)}, decimal.NewFromInt(500))
	require.NoError(t, err)
	require.NoError(t, ctx.Err())

	assert.True(t, decimal.NewFromInt(3500).Equal(s.TotalValue), "got %s", s.TotalValue)
	msft, ok := s.Holding("MSFT")
	require.True(t, ok)
	assert.True(t, msft.Stale)
	assert.Equal(t, database.SourceSnapshot, msft.PriceSource)
	assert.Equal(t, int32(2), upstream.calls.Load())
}
