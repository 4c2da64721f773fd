package valuation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trogers1052/portfolio-valuation/internal/apperr"
	"github.com/trogers1052/portfolio-valuation/internal/clock"
	"github.com/trogers1052/portfolio-valuation/internal/models"
	"github.com/trogers1052/portfolio-valuation/internal/provider"
)

var testNow = time.Date(2025, 10, 1, 15, 0, 0, 0, time.UTC)

// MockQuotes serves fixed prices and fails for everything else
type MockQuotes struct {
	mu     sync.Mutex
	prices map[string]string
	source map[string]string
	err    error
	calls  map[string]int
}

func (m *MockQuotes) FetchQuote(ctx context.Context, ticker string) (models.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[ticker]++
	if p, ok := m.prices[ticker]; ok {
		source := "mock"
		if s, ok := m.source[ticker]; ok {
			source = s
		}
		return models.Quote{
			Ticker:    models.Ticker(ticker),
			Price:     decimal.RequireFromString(p),
			Timestamp: testNow.Add(-time.Minute),
			Source:    source,
		}, nil
	}
	if m.err != nil {
		return models.Quote{}, m.err
	}
	return models.Quote{}, &apperr.MarketDataError{Kind: apperr.KindAllProvidersFailed, Ticker: ticker, Err: errors.New("upstream down")}
}

// MockStore records upserts
type MockStore struct {
	saved []*models.PortfolioSnapshot
	err   error
}

func (m *MockStore) UpsertSnapshot(ctx context.Context, s *models.PortfolioSnapshot) error {
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, s)
	return nil
}

// MockFallback serves fixed last-known prices
type MockFallback struct {
	source string
	prices map[models.Ticker]string
	err    error
	calls  atomic.Int32
}

func (m *MockFallback) LastKnownPrice(ctx context.Context, portfolioID string, t models.Ticker) (models.PricePoint, bool, error) {
	m.calls.Add(1)
	if m.err != nil {
		return models.PricePoint{}, false, m.err
	}
	p, ok := m.prices[t]
	if !ok {
		return models.PricePoint{}, false, nil
	}
	return models.PricePoint{Ticker: t, Price: decimal.RequireFromString(p), AsOf: testNow.Add(-48 * time.Hour), Source: m.source}, true, nil
}

type MockRecorder struct {
	recorded []models.Quote
	err      error
}

func (m *MockRecorder) RecordQuotes(ctx context.Context, quotes []models.Quote) error {
	m.recorded = append(m.recorded, quotes...)
	return m.err
}

type MockPublisher struct {
	published []*models.PortfolioSnapshot
	err       error
}

func (m *MockPublisher) PublishSnapshotRecorded(ctx context.Context, s *models.PortfolioSnapshot) error {
	m.published = append(m.published, s)
	return m.err
}

func holding(ticker string, shares int64) models.Holding {
	return models.Holding{Ticker: models.Ticker(ticker), Shares: decimal.NewFromInt(shares), CostBasis: decimal.NewFromInt(shares * 100)}
}

func TestBuildSnapshot(t *testing.T) {
	ctx := context.Background()
	cash := decimal.NewFromInt(500)
	portfolio := []models.Holding{holding("AAPL", 10), holding("MSFT", 5)}

	t.Run("all live quotes", func(t *testing.T) {
		quotes := &MockQuotes{prices: map[string]string{"AAPL": "150", "MSFT": "310"}}
		store := &MockStore{}
		recorder := &MockRecorder{}
		publisher := &MockPublisher{}
		o := NewOrchestrator(quotes, store,
			WithClock(clock.NewFake(testNow)),
			WithRecorder(recorder),
			WithPublisher(publisher),
		)

		s, err := o.BuildSnapshot(ctx, "main", portfolio, cash)
		require.NoError(t, err)

		assert.True(t, decimal.NewFromInt(3550).Equal(s.TotalValue), "got %s", s.TotalValue)
		assert.Equal(t, 0, s.StaleCount)
		assert.Equal(t, testNow, s.AsOf)
		require.Len(t, store.saved, 1)
		assert.Len(t, recorder.recorded, 2)
		assert.Len(t, publisher.published, 1)
	})

	t.Run("failed quote falls back and is flagged stale", func(t *testing.T) {
		quotes := &MockQuotes{prices: map[string]string{"AAPL": "150"}}
		fallback := &MockFallback{source: "snapshot", prices: map[models.Ticker]string{"MSFT": "300"}}
		recorder := &MockRecorder{}
		o := NewOrchestrator(quotes, &MockStore{},
			WithClock(clock.NewFake(testNow)),
			WithFallbacks(fallback),
			WithRecorder(recorder),
		)

		s, err := o.BuildSnapshot(ctx, "main", portfolio, cash)
		require.NoError(t, err)

		assert.True(t, decimal.NewFromInt(3500).Equal(s.TotalValue), "got %s", s.TotalValue)
		assert.Equal(t, 1, s.StaleCount)

		msft, ok := s.Holding("MSFT")
		require.True(t, ok)
		assert.True(t, msft.Stale)
		assert.Equal(t, "snapshot", msft.PriceSource)
		assert.True(t, decimal.NewFromInt(1500).Equal(msft.MarketValue))

		aapl, ok := s.Holding("AAPL")
		require.True(t, ok)
		assert.False(t, aapl.Stale)

		require.Len(t, recorder.recorded, 1, "only live quotes are recorded")
		assert.Equal(t, models.Ticker("AAPL"), recorder.recorded[0].Ticker)
	})

	t.Run("fallbacks are tried in order", func(t *testing.T) {
		broken := &MockFallback{err: errors.New("db down")}
		empty := &MockFallback{prices: map[models.Ticker]string{}}
		redis := &MockFallback{source: "redis", prices: map[models.Ticker]string{"MSFT": "299"}}
		o := NewOrchestrator(&MockQuotes{prices: map[string]string{"AAPL": "150"}}, &MockStore{},
			WithFallbacks(broken, empty, redis))

		s, err := o.BuildSnapshot(ctx, "main", portfolio, cash)
		require.NoError(t, err)

		msft, _ := s.Holding("MSFT")
		assert.Equal(t, "redis", msft.PriceSource)
		assert.Equal(t, int32(1), broken.calls.Load())
		assert.Equal(t, int32(1), empty.calls.Load())
	})

	t.Run("no price anywhere fails with NoDataAvailable", func(t *testing.T) {
		store := &MockStore{}
		o := NewOrchestrator(&MockQuotes{prices: map[string]string{"AAPL": "150"}}, store,
			WithFallbacks(&MockFallback{prices: map[models.Ticker]string{}}))

		_, err := o.BuildSnapshot(ctx, "main", portfolio, cash)
		require.Error(t, err)
		assert.True(t, apperr.IsMarketDataKind(err, apperr.KindNoDataAvailable))

		var mde *apperr.MarketDataError
		require.True(t, errors.As(err, &mde))
		assert.Equal(t, "MSFT", mde.Ticker)
		assert.Empty(t, store.saved)
	})

	t.Run("cancellation is propagated", func(t *testing.T) {
		cancelled := &apperr.MarketDataError{
			Kind: apperr.KindProviderTimeout,
			Err:  &apperr.CancelledError{Name: "quote", Cause: context.Canceled},
		}
		fallback := &MockFallback{prices: map[models.Ticker]string{"AAPL": "1", "MSFT": "1"}}
		store := &MockStore{}
		o := NewOrchestrator(&MockQuotes{err: cancelled}, store, WithFallbacks(fallback))

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := o.BuildSnapshot(cctx, "main", portfolio, cash)
		assert.ErrorIs(t, err, apperr.ErrCancelled)
		assert.Equal(t, int32(0), fallback.calls.Load())
		assert.Empty(t, store.saved)
	})

	t.Run("retry giving up on a live context falls back", func(t *testing.T) {
		gaveUp := &apperr.MarketDataError{
			Kind:   apperr.KindProviderTimeout,
			Ticker: "MSFT",
			Err:    &apperr.CancelledError{Name: "quote", Attempts: 1, Cause: context.DeadlineExceeded},
		}
		fallback := &MockFallback{source: "snapshot", prices: map[models.Ticker]string{"MSFT": "300"}}
		o := NewOrchestrator(&MockQuotes{prices: map[string]string{"AAPL": "150"}, err: gaveUp}, &MockStore{},
			WithFallbacks(fallback))

		s, err := o.BuildSnapshot(ctx, "main", portfolio, cash)
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(3500).Equal(s.TotalValue), "got %s", s.TotalValue)
		msft, _ := s.Holding("MSFT")
		assert.True(t, msft.Stale)
		assert.Equal(t, int32(1), fallback.calls.Load())
	})

	t.Run("manual prices are not recorded", func(t *testing.T) {
		quotes := &MockQuotes{prices: map[string]string{"AAPL": "150", "MSFT": "300"}, source: map[string]string{"MSFT": provider.ManualSource}}
		recorder := &MockRecorder{}
		o := NewOrchestrator(quotes, &MockStore{}, WithRecorder(recorder))

		s, err := o.BuildSnapshot(ctx, "main", portfolio, cash)
		require.NoError(t, err)
		msft, _ := s.Holding("MSFT")
		assert.Equal(t, provider.ManualSource, msft.PriceSource)
		require.Len(t, recorder.recorded, 1)
		assert.Equal(t, models.Ticker("AAPL"), recorder.recorded[0].Ticker)
	})

	t.Run("persistence errors are returned unchanged", func(t *testing.T) {
		repoErr := &apperr.RepositoryError{Op: "upsert_snapshot", Err: errors.New("disk full")}
		publisher := &MockPublisher{}
		o := NewOrchestrator(&MockQuotes{prices: map[string]string{"AAPL": "150", "MSFT": "300"}},
			&MockStore{err: repoErr}, WithPublisher(publisher))

		_, err := o.BuildSnapshot(ctx, "main", portfolio, cash)
		assert.Same(t, repoErr, err)
		assert.Empty(t, publisher.published)
	})

	t.Run("recording and publishing failures do not fail the snapshot", func(t *testing.T) {
		o := NewOrchestrator(&MockQuotes{prices: map[string]string{"AAPL": "150", "MSFT": "300"}}, &MockStore{},
			WithRecorder(&MockRecorder{err: errors.New("redis down")}),
			WithPublisher(&MockPublisher{err: errors.New("kafka down")}))

		s, err := o.BuildSnapshot(ctx, "main", portfolio, cash)
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(3500).Equal(s.TotalValue))
	})

	t.Run("repeated tickers are fetched once", func(t *testing.T) {
		quotes := &MockQuotes{prices: map[string]string{"AAPL": "150"}}
		o := NewOrchestrator(quotes, &MockStore{}, WithConcurrency(1))

		s, err := o.BuildSnapshot(ctx, "main", []models.Holding{holding("aapl", 1), holding("AAPL", 2)}, decimal.Zero)
		require.NoError(t, err)
		assert.Equal(t, 1, quotes.calls["AAPL"])
		require.Len(t, s.Holdings, 2)
		assert.True(t, decimal.NewFromInt(450).Equal(s.TotalValue))
	})

	t.Run("empty portfolio is just cash", func(t *testing.T) {
		o := NewOrchestrator(&MockQuotes{}, &MockStore{})
		s, err := o.BuildSnapshot(ctx, "main", nil, cash)
		require.NoError(t, err)
		assert.True(t, cash.Equal(s.TotalValue))
		assert.Empty(t, s.Holdings)
	})
}

func TestBuildSnapshotValidation(t *testing.T) {
	ctx := context.Background()
	o := NewOrchestrator(&MockQuotes{}, &MockStore{})

	tests := []struct {
		name      string
		portfolio string
		holdings  []models.Holding
		cash      decimal.Decimal
		field     string
	}{
		{"missing portfolio", "", nil, decimal.Zero, "portfolio_id"},
		{"negative cash", "main", nil, decimal.NewFromInt(-1), "cash_balance"},
		{"bad ticker", "main", []models.Holding{holding("AA PL", 1)}, decimal.Zero, "ticker"},
		{"zero shares", "main", []models.Holding{{Ticker: "AAPL", Shares: decimal.Zero}}, decimal.Zero, "shares"},
		{"negative cost", "main", []models.Holding{{Ticker: "AAPL", Shares: decimal.NewFromInt(1), CostBasis: decimal.NewFromInt(-1)}}, decimal.Zero, "cost_basis"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.BuildSnapshot(ctx, tt.portfolio, tt.holdings, tt.cash)
			var ve *apperr.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestDisplay(t *testing.T) {
	assert.Equal(t, "$3,500.00", Display(decimal.NewFromInt(3500), "USD"))
	assert.Equal(t, "$0.01", Display(decimal.RequireFromString("0.005"), "USD"))
}
