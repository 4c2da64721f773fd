package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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

func decode(t *testing.T, body string) any {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()
	var out any
	require.NoError(t, dec.Decode(&out))
	return out
}

func rawOf(t *testing.T, kind provider.Kind, ticker models.Ticker, body string) provider.Raw {
	t.Helper()
	return provider.Raw{Provider: string(kind), Kind: kind, Ticker: ticker, Body: decode(t, body)}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func date(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func TestNormalizeCandlesRows(t *testing.T) {
	n := NewNormalizer(nil)

	t.Run("valid bar", func(t *testing.T) {
		raw := rawOf(t, provider.KindEODHD, "AAPL",
			`[{"date":"2025-09-29","open":150.0,"high":155.0,"low":149.0,"close":154.0,"volume":1000000}]`)

		bars, err := n.NormalizeCandles(raw)
		require.NoError(t, err)
		require.Len(t, bars, 1)
		assert.Equal(t, models.Ticker("AAPL"), bars[0].Ticker)
		assert.Equal(t, date(2025, 9, 29), bars[0].Date)
		assert.True(t, dec("150").Equal(bars[0].Open))
		assert.True(t, dec("155").Equal(bars[0].High))
		assert.True(t, dec("149").Equal(bars[0].Low))
		assert.True(t, dec("154").Equal(bars[0].Close))
		assert.Equal(t, int64(1000000), bars[0].Volume)
	})

	t.Run("high below close is rejected not clamped", func(t *testing.T) {
		raw := rawOf(t, provider.KindEODHD, "AAPL",
			`[{"date":"2025-09-29","open":150,"high":153,"low":149,"close":154,"volume":1}]`)

		bars, err := n.NormalizeCandles(raw)
		assert.Nil(t, bars)
		var ve *apperr.ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, "high", ve.Field)
		assert.Equal(t, "AAPL", ve.Ticker)
		assert.Equal(t, date(2025, 9, 29), ve.Date)
	})

	t.Run("missing field", func(t *testing.T) {
		raw := rawOf(t, provider.KindEODHD, "AAPL",
			`[{"date":"2025-09-29","open":150,"high":155,"close":154,"volume":1}]`)

		_, err := n.NormalizeCandles(raw)
		var ve *apperr.ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, "low", ve.Field)
	})

	t.Run("negative volume", func(t *testing.T) {
		raw := rawOf(t, provider.KindEODHD, "AAPL",
			`[{"date":"2025-09-29","open":150,"high":155,"low":149,"close":154,"volume":-5}]`)

		_, err := n.NormalizeCandles(raw)
		var ve *apperr.ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, "volume", ve.Field)
	})

	t.Run("duplicate date keeps the later row", func(t *testing.T) {
		raw := rawOf(t, provider.KindEODHD, "AAPL", `[
			{"date":"2025-09-30","open":10,"high":12,"low":9,"close":11,"volume":5},
			{"date":"2025-09-29","open":150,"high":155,"low":149,"close":154,"volume":1},
			{"date":"2025-09-29","open":151,"high":156,"low":150,"close":155,"volume":2}
		]`)

		bars, err := n.NormalizeCandles(raw)
		require.NoError(t, err)
		require.Len(t, bars, 2)
		assert.Equal(t, date(2025, 9, 29), bars[0].Date, "sorted by date")
		assert.True(t, dec("155").Equal(bars[0].Close))
		assert.Equal(t, int64(2), bars[0].Volume)
		assert.Equal(t, date(2025, 9, 30), bars[1].Date)
	})

	t.Run("every row error is reported", func(t *testing.T) {
		raw := rawOf(t, provider.KindEODHD, "AAPL", `[
			{"date":"2025-09-29","open":150,"high":140,"low":149,"close":154,"volume":1},
			{"date":"2025-09-30","open":150,"high":155,"low":149,"close":154,"volume":1},
			{"date":"2025-10-01","open":0,"high":155,"low":149,"close":154,"volume":1}
		]`)

		_, err := n.NormalizeCandles(raw)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"high"`)
		assert.Contains(t, err.Error(), `"open"`)
	})

	t.Run("empty payload", func(t *testing.T) {
		bars, err := n.NormalizeCandles(rawOf(t, provider.KindEODHD, "AAPL", `[]`))
		require.NoError(t, err)
		assert.Empty(t, bars)
	})
}

const yahooChart = `{"chart":{"result":[{
	"meta":{"currency":"USD","symbol":"AAPL","exchangeTimezoneName":"America/New_York",
		"regularMarketPrice":254.63,"regularMarketTime":1759262401,"longName":"Apple Inc.","fullExchangeName":"NasdaqGS"},
	"timestamp":[1759152600,1759239000,1759325400],
	"indicators":{"quote":[{
		"open":[254.56,null,255.04],
		"high":[255.0,null,258.79],
		"low":[253.01,null,254.93],
		"close":[254.43,null,255.45],
		"volume":[40127700,null,48713900]
	}]}
}],"error":null}}`

func TestNormalizeCandlesColumns(t *testing.T) {
	n := NewNormalizer(nil)

	bars, err := n.NormalizeCandles(rawOf(t, provider.KindYahoo, "AAPL", yahooChart))
	require.NoError(t, err)
	require.Len(t, bars, 2, "all-null holiday row is skipped")

	// 13:30 UTC is 09:30 in New York on the same calendar day
	assert.Equal(t, date(2025, 9, 29), bars[0].Date)
	assert.Equal(t, date(2025, 10, 1), bars[1].Date)
	assert.True(t, dec("255.45").Equal(bars[1].Close))
	assert.Equal(t, int64(48713900), bars[1].Volume)

	t.Run("empty range", func(t *testing.T) {
		bars, err := n.NormalizeCandles(rawOf(t, provider.KindYahoo, "AAPL",
			`{"chart":{"result":[{"meta":{"symbol":"AAPL"},"indicators":{"quote":[{}]}}]}}`))
		require.NoError(t, err)
		assert.Empty(t, bars)
	})

	t.Run("misaligned columns", func(t *testing.T) {
		_, err := n.NormalizeCandles(rawOf(t, provider.KindYahoo, "AAPL",
			`{"chart":{"result":[{"timestamp":[1759152600],"indicators":{"quote":[{"open":[1,2],"high":[1],"low":[1],"close":[1],"volume":[1]}]}}]}}`))
		var ve *apperr.ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, "open", ve.Field)
	})
}

func TestNormalizeQuote(t *testing.T) {
	n := NewNormalizer(nil)

	q, err := n.NormalizeQuote(rawOf(t, provider.KindYahoo, "AAPL", yahooChart))
	require.NoError(t, err)
	assert.True(t, dec("254.63").Equal(q.Price))
	assert.Equal(t, time.Unix(1759262401, 0).UTC(), q.Timestamp)
	assert.Equal(t, "USD", q.Currency)
	assert.Equal(t, "yahoo", q.Source)

	q, err = n.NormalizeQuote(rawOf(t, provider.KindEODHD, "AAPL", `{"code":"AAPL.US","timestamp":1759262400,"close":"254.5"}`))
	require.NoError(t, err)
	assert.True(t, dec("254.5").Equal(q.Price))

	_, err = n.NormalizeQuote(rawOf(t, provider.KindEODHD, "AAPL", `{"code":"AAPL.US","timestamp":1759262400,"close":"NA"}`))
	var ve *apperr.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "price", ve.Field)

	_, err = n.NormalizeQuote(rawOf(t, provider.KindEODHD, "AAPL", `{"timestamp":1759262400,"close":-1}`))
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "price", ve.Field)

	_, err = n.NormalizeQuote(rawOf(t, provider.KindEODHD, "AAPL", `{"close":10}`))
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "timestamp", ve.Field)
}

func TestNormalizeProfileAndNews(t *testing.T) {
	n := NewNormalizer(nil)

	p, err := n.NormalizeProfile(rawOf(t, provider.KindEODHD, "AAPL",
		`{"Code":"AAPL","Name":"Apple Inc","Exchange":"NASDAQ","CurrencyCode":"usd","Sector":"Technology","Industry":"Consumer Electronics"}`))
	require.NoError(t, err)
	assert.Equal(t, "Apple Inc", p.Name)
	assert.Equal(t, "USD", p.Currency)
	assert.Equal(t, "Technology", p.Sector)

	p, err = n.NormalizeProfile(rawOf(t, provider.KindYahoo, "AAPL", yahooChart))
	require.NoError(t, err)
	assert.Equal(t, "Apple Inc.", p.Name)
	assert.Empty(t, p.Sector)

	_, err = n.NormalizeProfile(rawOf(t, provider.KindEODHD, "AAPL", `{"Code":"AAPL"}`))
	var ve *apperr.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "name", ve.Field)

	news, err := n.NormalizeNews(rawOf(t, provider.KindEODHD, "AAPL", `[
		{"date":"2025-09-29T10:00:00+00:00","title":"older","link":"https://a"},
		{"date":"2025-09-30T10:00:00+00:00","title":"newer","link":"https://b"}
	]`))
	require.NoError(t, err)
	require.Len(t, news, 2)
	assert.Equal(t, "newer", news[0].Title)
	assert.Equal(t, "https://b", news[0].URL)

	_, err = n.NormalizeNews(rawOf(t, provider.KindYahoo, "AAPL", yahooChart))
	assert.ErrorContains(t, err, "carry no news")
}

func TestSyntheticPayloadsNormalize(t *testing.T) {
	ctx := context.Background()
	n := NewNormalizer(nil)
	s := provider.NewSynthetic("", 3, clock.NewFake(time.Date(2025, 10, 1, 16, 0, 0, 0, time.UTC)))

	raw, err := s.FetchCandles(ctx, "MSFT", date(2025, 9, 1), date(2025, 9, 30))
	require.NoError(t, err)
	bars, err := n.NormalizeCandles(raw)
	require.NoError(t, err)
	assert.Len(t, bars, 22)
	for _, b := range bars {
		assert.NoError(t, b.Validate())
	}

	raw, err = s.FetchQuote(ctx, "MSFT")
	require.NoError(t, err)
	q, err := n.NormalizeQuote(raw)
	require.NoError(t, err)
	assert.True(t, q.Price.IsPositive())

	raw, err = s.FetchNews(ctx, "MSFT", 2)
	require.NoError(t, err)
	news, err := n.NormalizeNews(raw)
	require.NoError(t, err)
	assert.Len(t, news, 2)
}
