package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/trogers1052/portfolio-valuation/internal/apperr"
	"github.com/trogers1052/portfolio-valuation/internal/models"
)

// ErrNotFound is wrapped by reads that match no row
var ErrNotFound = errors.New("not found")

const upsertBarSQL = `
	INSERT INTO market_history (ticker, date, open, high, low, close, volume, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	ON CONFLICT (ticker, date) DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume,
		updated_at = EXCLUDED.updated_at
	WHERE market_history.open IS DISTINCT FROM EXCLUDED.open
		OR market_history.high IS DISTINCT FROM EXCLUDED.high
		OR market_history.low IS DISTINCT FROM EXCLUDED.low
		OR market_history.close IS DISTINCT FROM EXCLUDED.close
		OR market_history.volume IS DISTINCT FROM EXCLUDED.volume
`

// AppendHistory validates bars and writes them for ticker in one
// transaction. Existing (ticker, date) rows are overwritten only when a
// value differs, so the returned count is the number of rows inserted or
// changed and re-appending identical bars returns 0. Any invalid bar or
// failed write leaves the table untouched
func (db *DB) AppendHistory(ctx context.Context, ticker models.Ticker, bars []models.CandleBar) (int, error) {
	for i := range bars {
		if bars[i].Ticker != ticker {
			return 0, &apperr.ValidationError{
				Field:  "ticker",
				Ticker: string(ticker),
				Date:   bars[i].Date,
				Reason: fmt.Sprintf("bar belongs to %s", bars[i].Ticker),
			}
		}
		if err := bars[i].Validate(); err != nil {
			return 0, err
		}
	}
	if len(bars) == 0 {
		return 0, nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, repoErr("append_history", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, db.q(upsertBarSQL))
	if err != nil {
		return 0, repoErr("append_history", fmt.Errorf("failed to prepare statement: %w", err))
	}
	defer stmt.Close()

	now := db.timeArg(time.Now())
	written := 0
	for _, b := range bars {
		res, err := stmt.ExecContext(ctx,
			string(b.Ticker), dateArg(b.Date), b.Open, b.High, b.Low, b.Close, b.Volume, now,
		)
		if err != nil {
			return 0, repoErr("append_history", fmt.Errorf("failed to write %s %s: %w", b.Ticker, dateArg(b.Date), err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, repoErr("append_history", err)
		}
		written += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, repoErr("append_history", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return written, nil
}

const barColumns = `ticker, date, open, high, low, close, volume`

func scanBar(row interface{ Scan(...any) error }) (models.CandleBar, error) {
	var b models.CandleBar
	var ticker string
	var date timeValue
	if err := row.Scan(&ticker, &date, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
		return b, err
	}
	b.Ticker = models.Ticker(ticker)
	b.Date = models.DateOnly(date.Time)
	return b, nil
}

// GetHistoryRange returns bars for ticker between start and end inclusive,
// oldest first
func (db *DB) GetHistoryRange(ctx context.Context, ticker models.Ticker, start, end time.Time) ([]models.CandleBar, error) {
	query := `
		SELECT ` + barColumns + `
		FROM market_history
		WHERE ticker = $1 AND date >= $2 AND date <= $3
		ORDER BY date ASC
	`
	rows, err := db.conn.QueryContext(ctx, db.q(query), string(ticker), dateArg(start), dateArg(end))
	if err != nil {
		return nil, repoErr("get_history_range", err)
	}
	defer rows.Close()

	var bars []models.CandleBar
	for rows.Next() {
		b, err := scanBar(rows)
		if err != nil {
			return nil, repoErr("get_history_range", fmt.Errorf("failed to scan bar: %w", err))
		}
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, repoErr("get_history_range", err)
	}
	return bars, nil
}

// GetLatestBar returns the most recent bar for ticker
func (db *DB) GetLatestBar(ctx context.Context, ticker models.Ticker) (models.CandleBar, error) {
	query := `
		SELECT ` + barColumns + `
		FROM market_history
		WHERE ticker = $1
		ORDER BY date DESC
		LIMIT 1
	`
	b, err := scanBar(db.conn.QueryRowContext(ctx, db.q(query), string(ticker)))
	if errors.Is(err, sql.ErrNoRows) {
		return b, repoErr("get_latest_bar", fmt.Errorf("no history for %s: %w", ticker, ErrNotFound))
	}
	if err != nil {
		return b, repoErr("get_latest_bar", err)
	}
	return b, nil
}

// CountHistory returns how many rows exist for ticker
func (db *DB) CountHistory(ctx context.Context, ticker models.Ticker) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, db.q(`SELECT COUNT(*) FROM market_history WHERE ticker = $1`), string(ticker)).Scan(&n)
	if err != nil {
		return 0, repoErr("count_history", err)
	}
	return n, nil
}

// DeleteHistoryOlderThan removes bars dated before date
func (db *DB) DeleteHistoryOlderThan(ctx context.Context, date time.Time) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	result, err := db.conn.ExecContext(ctx, db.q(`DELETE FROM market_history WHERE date < $1`), dateArg(date))
	if err != nil {
		return 0, repoErr("delete_history", fmt.Errorf("failed to delete old history: %w", err))
	}
	return result.RowsAffected()
}
