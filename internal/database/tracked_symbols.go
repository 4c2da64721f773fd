package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/trogers1052/portfolio-valuation/internal/models"
)

// TrackSymbol adds ticker to the watchlist, or re-enables it with the given
// priority if it is already there
func (db *DB) TrackSymbol(ctx context.Context, ticker models.Ticker, priority int) (*models.TrackedSymbol, error) {
	if priority <= 0 {
		priority = 1
	}
	query := `
		INSERT INTO tracked_symbol (ticker, enabled, priority, added_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (ticker) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			priority = EXCLUDED.priority,
			updated_at = EXCLUDED.updated_at
	`
	now := time.Now().UTC()

	db.mu.Lock()
	_, err := db.conn.ExecContext(ctx, db.q(query), string(ticker), true, priority, db.timeArg(now))
	db.mu.Unlock()
	if err != nil {
		return nil, repoErr("track_symbol", fmt.Errorf("failed to track symbol: %w", err))
	}
	return db.GetTrackedSymbol(ctx, ticker)
}

// GetTrackedSymbol retrieves one watchlist entry
func (db *DB) GetTrackedSymbol(ctx context.Context, ticker models.Ticker) (*models.TrackedSymbol, error) {
	query := `
		SELECT ticker, enabled, priority, added_at, updated_at
		FROM tracked_symbol
		WHERE ticker = $1
	`
	s, err := scanTracked(db.conn.QueryRowContext(ctx, db.q(query), string(ticker)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repoErr("get_tracked_symbol", fmt.Errorf("tracked symbol %s: %w", ticker, ErrNotFound))
	}
	if err != nil {
		return nil, repoErr("get_tracked_symbol", fmt.Errorf("failed to get tracked symbol: %w", err))
	}
	return s, nil
}

// ListTrackedSymbols returns the watchlist ordered by priority then ticker
func (db *DB) ListTrackedSymbols(ctx context.Context) ([]*models.TrackedSymbol, error) {
	query := `
		SELECT ticker, enabled, priority, added_at, updated_at
		FROM tracked_symbol
		ORDER BY priority ASC, ticker ASC
	`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, repoErr("list_tracked_symbols", fmt.Errorf("failed to query tracked symbols: %w", err))
	}
	defer rows.Close()

	var out []*models.TrackedSymbol
	for rows.Next() {
		s, err := scanTracked(rows)
		if err != nil {
			return nil, repoErr("list_tracked_symbols", fmt.Errorf("failed to scan tracked symbol: %w", err))
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, repoErr("list_tracked_symbols", err)
	}
	return out, nil
}

// TrackedTickers returns just the enabled tickers, highest priority first
func (db *DB) TrackedTickers(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, db.q(`
		SELECT ticker
		FROM tracked_symbol
		WHERE enabled = $1
		ORDER BY priority ASC, ticker ASC
	`), true)
	if err != nil {
		return nil, repoErr("tracked_tickers", fmt.Errorf("failed to get tracked tickers: %w", err))
	}
	defer rows.Close()

	var tickers []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, repoErr("tracked_tickers", fmt.Errorf("failed to scan ticker: %w", err))
		}
		tickers = append(tickers, t)
	}
	return tickers, rows.Err()
}

// SetTrackedEnabled pauses or resumes scheduled refreshes for ticker
func (db *DB) SetTrackedEnabled(ctx context.Context, ticker models.Ticker, enabled bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	result, err := db.conn.ExecContext(ctx,
		db.q(`UPDATE tracked_symbol SET enabled = $2, updated_at = $3 WHERE ticker = $1`),
		string(ticker), enabled, db.timeArg(time.Now()))
	if err != nil {
		return repoErr("set_tracked_enabled", fmt.Errorf("failed to update tracked symbol: %w", err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return repoErr("set_tracked_enabled", fmt.Errorf("tracked symbol %s: %w", ticker, ErrNotFound))
	}
	return nil
}

// UntrackSymbol removes ticker from the watchlist. History is kept
func (db *DB) UntrackSymbol(ctx context.Context, ticker models.Ticker) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	result, err := db.conn.ExecContext(ctx, db.q(`DELETE FROM tracked_symbol WHERE ticker = $1`), string(ticker))
	if err != nil {
		return repoErr("untrack_symbol", fmt.Errorf("failed to delete tracked symbol: %w", err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return repoErr("untrack_symbol", fmt.Errorf("tracked symbol %s: %w", ticker, ErrNotFound))
	}
	return nil
}

func scanTracked(row interface{ Scan(...any) error }) (*models.TrackedSymbol, error) {
	var (
		s                  models.TrackedSymbol
		ticker             string
		addedAt, updatedAt timeValue
	)
	if err := row.Scan(&ticker, &s.Enabled, &s.Priority, &addedAt, &updatedAt); err != nil {
		return nil, err
	}
	s.Ticker = models.Ticker(ticker)
	s.AddedAt = addedAt.Time
	s.UpdatedAt = updatedAt.Time
	return &s, nil
}
