package models

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/portfolio-valuation/internal/apperr"
)

func validBar() CandleBar {
	return CandleBar{
		Ticker: "AAPL",
		Date:   time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		Open:   decimal.NewFromFloat(175.00),
		High:   decimal.NewFromFloat(178.50),
		Low:    decimal.NewFromFloat(174.00),
		Close:  decimal.NewFromFloat(177.25),
		Volume: 55000000,
	}
}

func TestParseTicker(t *testing.T) {
	t.Run("normalizes case and whitespace", func(t *testing.T) {
		ticker, err := ParseTicker("  brk.b ")
		require.NoError(t, err)
		assert.Equal(t, Ticker("BRK.B"), ticker)
	})

	t.Run("accepts dashes and digits", func(t *testing.T) {
		_, err := ParseTicker("RDS-A")
		assert.NoError(t, err)
		_, err = ParseTicker("7203")
		assert.NoError(t, err)
	})

	t.Run("rejects empty and malformed symbols", func(t *testing.T) {
		for _, in := range []string{"", "   ", "AA PL", "$AAPL", ".AAPL", "ABCDEFGHIJKLMNOPQ"} {
			_, err := ParseTicker(in)
			var ve *apperr.ValidationError
			require.True(t, errors.As(err, &ve), "input %q", in)
			assert.Equal(t, "ticker", ve.Field)
		}
	})
}

func TestCandleBarValidate(t *testing.T) {
	t.Run("valid bar passes", func(t *testing.T) {
		assert.NoError(t, validBar().Validate())
	})

	t.Run("high below close names high", func(t *testing.T) {
		bar := validBar()
		bar.High = decimal.NewFromFloat(176.00)

		var ve *apperr.ValidationError
		require.True(t, errors.As(bar.Validate(), &ve))
		assert.Equal(t, "high", ve.Field)
		assert.Equal(t, "AAPL", ve.Ticker)
		assert.Equal(t, bar.Date, ve.Date)
	})

	t.Run("low above open names low", func(t *testing.T) {
		bar := validBar()
		bar.Low = decimal.NewFromFloat(175.50)

		var ve *apperr.ValidationError
		require.True(t, errors.As(bar.Validate(), &ve))
		assert.Equal(t, "low", ve.Field)
	})

	t.Run("negative volume names volume", func(t *testing.T) {
		bar := validBar()
		bar.Volume = -1

		var ve *apperr.ValidationError
		require.True(t, errors.As(bar.Validate(), &ve))
		assert.Equal(t, "volume", ve.Field)
	})

	t.Run("non-positive price names the field", func(t *testing.T) {
		bar := validBar()
		bar.Open = decimal.Zero

		var ve *apperr.ValidationError
		require.True(t, errors.As(bar.Validate(), &ve))
		assert.Equal(t, "open", ve.Field)
	})
}

func TestHoldingValidate(t *testing.T) {
	h := Holding{Ticker: "MSFT", Shares: decimal.NewFromInt(5), CostBasis: decimal.NewFromInt(1200)}
	assert.NoError(t, h.Validate())

	h.Shares = decimal.Zero
	var ve *apperr.ValidationError
	require.True(t, errors.As(h.Validate(), &ve))
	assert.Equal(t, "shares", ve.Field)

	h.Shares = decimal.NewFromInt(5)
	h.CostBasis = decimal.NewFromInt(-1)
	require.True(t, errors.As(h.Validate(), &ve))
	assert.Equal(t, "cost_basis", ve.Field)
}

func TestSnapshotRecalculate(t *testing.T) {
	aapl := PriceHolding(Holding{Ticker: "AAPL", Shares: decimal.NewFromInt(10), CostBasis: decimal.NewFromInt(1000)}, decimal.NewFromInt(150))
	msft := PriceHolding(Holding{Ticker: "MSFT", Shares: decimal.NewFromInt(5)}, decimal.NewFromInt(300))
	msft.Stale = true

	snap := &PortfolioSnapshot{
		PortfolioID: "p1",
		CashBalance: decimal.NewFromInt(500),
		Holdings:    []HoldingValue{aapl, msft},
	}
	snap.Recalculate()

	assert.True(t, decimal.NewFromInt(3500).Equal(snap.TotalValue))
	assert.Equal(t, 1, snap.StaleCount)
	assert.True(t, decimal.NewFromInt(500).Equal(aapl.UnrealizedPnL))

	got, ok := snap.Holding("MSFT")
	require.True(t, ok)
	assert.True(t, got.Stale)
}

func TestNormalizeAsOf(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	in := time.Date(2025, 9, 29, 11, 0, 0, 123456789, loc)

	out := NormalizeAsOf(in)
	assert.Equal(t, time.UTC, out.Location())
	assert.Equal(t, 16, out.Hour())
	assert.Equal(t, 123456000, out.Nanosecond())
}
