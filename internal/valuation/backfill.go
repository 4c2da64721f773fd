package valuation

import (
	"context"
	"time"

	"github.com/trogers1052/portfolio-valuation/internal/clock"
	"github.com/trogers1052/portfolio-valuation/internal/logging"
	"github.com/trogers1052/portfolio-valuation/internal/models"
)

// CandleFetcher supplies daily bars
type CandleFetcher interface {
	FetchCandles(ctx context.Context, ticker string, start, end time.Time) ([]models.CandleBar, error)
}

// HistoryAppender persists bars
type HistoryAppender interface {
	AppendHistory(ctx context.Context, ticker models.Ticker, bars []models.CandleBar) (int, error)
}

// HistoryPublisher announces appended history
type HistoryPublisher interface {
	PublishHistoryAppended(ctx context.Context, ticker models.Ticker, written int, from, to time.Time) error
}

// BackfillResult reports one backfill
type BackfillResult struct {
	Ticker  models.Ticker `json:"ticker"`
	Start   time.Time     `json:"start"`
	End     time.Time     `json:"end"`
	Fetched int           `json:"fetched"`
	Written int           `json:"written"`
}

// Backfiller copies provider candles into market history
type Backfiller struct {
	candles   CandleFetcher
	store     HistoryAppender
	publisher HistoryPublisher
	clock     clock.Clock
	logger    *logging.Logger
}

// NewBackfiller creates a Backfiller. publisher may be nil
func NewBackfiller(candles CandleFetcher, store HistoryAppender, publisher HistoryPublisher, c clock.Clock, logger *logging.Logger) *Backfiller {
	if c == nil {
		c = clock.Real{}
	}
	return &Backfiller{candles: candles, store: store, publisher: publisher, clock: c, logger: logging.OrSilent(logger)}
}

// Backfill fetches bars for ticker between start and end and appends them.
// Re-running over the same range writes nothing new
func (b *Backfiller) Backfill(ctx context.Context, ticker string, start, end time.Time) (BackfillResult, error) {
	t, err := models.ParseTicker(ticker)
	if err != nil {
		return BackfillResult{}, err
	}
	res := BackfillResult{Ticker: t, Start: models.DateOnly(start), End: models.DateOnly(end)}

	bars, err := b.candles.FetchCandles(ctx, string(t), start, end)
	if err != nil {
		return res, err
	}
	res.Fetched = len(bars)

	written, err := b.store.AppendHistory(ctx, t, bars)
	if err != nil {
		return res, err
	}
	res.Written = written

	b.logger.Info().
		Str("ticker", string(t)).
		Int("fetched", res.Fetched).
		Int("written", written).
		Msg("history backfilled")

	if b.publisher != nil && written > 0 {
		if err := b.publisher.PublishHistoryAppended(ctx, t, written, res.Start, res.End); err != nil {
			b.logger.Warn().Str("ticker", string(t)).Err(err).Msg("failed to publish history event")
		}
	}
	return res, nil
}

// BackfillRecent backfills the last days calendar days up to today
func (b *Backfiller) BackfillRecent(ctx context.Context, ticker string, days int) (BackfillResult, error) {
	end := models.DateOnly(b.clock.Now())
	return b.Backfill(ctx, ticker, end.AddDate(0, 0, -days), end)
}
