package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trogers1052/portfolio-valuation/internal/apperr"
	"github.com/trogers1052/portfolio-valuation/internal/models"
)

// ErrSnapshotOutOfOrder is returned when a snapshot is older than the newest
// one already stored for the same portfolio
var ErrSnapshotOutOfOrder = errors.New("snapshot as_of precedes the latest stored snapshot")

// Price sources reported by LastKnownPrice
const (
	SourceSnapshot = "snapshot"
	SourceHistory  = "history"
)

// how many recent snapshots LastKnownPrice searches for a ticker
const lastKnownLookback = 30

// UpsertSnapshot writes s keyed by (portfolio_id, as_of). Writing the same
// key again replaces the stored values and keeps the original id, which is
// copied back into s.ID
func (db *DB) UpsertSnapshot(ctx context.Context, s *models.PortfolioSnapshot) error {
	if s == nil || s.PortfolioID == "" {
		return apperr.NewValidationError("portfolio_id", "snapshot has no portfolio id")
	}
	if s.AsOf.IsZero() {
		return apperr.NewValidationError("as_of", "snapshot has no as_of")
	}
	s.AsOf = models.NormalizeAsOf(s.AsOf)
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}

	holdings := s.Holdings
	if holdings == nil {
		holdings = []models.HoldingValue{}
	}
	holdingsJSON, err := json.Marshal(holdings)
	if err != nil {
		return repoErr("upsert_snapshot", fmt.Errorf("failed to encode holdings: %w", err))
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return repoErr("upsert_snapshot", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	var latest timeValue
	err = tx.QueryRowContext(ctx,
		db.q(`SELECT MAX(as_of) FROM portfolio_snapshot WHERE portfolio_id = $1`), s.PortfolioID,
	).Scan(&latest)
	if err != nil {
		return repoErr("upsert_snapshot", fmt.Errorf("failed to read latest as_of: %w", err))
	}
	if latest.Valid && latest.Time.After(s.AsOf) {
		return repoErr("upsert_snapshot", fmt.Errorf("%s at %s: %w",
			s.PortfolioID, s.AsOf.Format(time.RFC3339Nano), ErrSnapshotOutOfOrder))
	}

	now := time.Now().UTC()
	var id string
	err = tx.QueryRowContext(ctx, db.q(`
		INSERT INTO portfolio_snapshot
			(id, portfolio_id, as_of, total_value, cash_balance, holdings_json, stale_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (portfolio_id, as_of) DO UPDATE SET
			total_value = EXCLUDED.total_value,
			cash_balance = EXCLUDED.cash_balance,
			holdings_json = EXCLUDED.holdings_json,
			stale_count = EXCLUDED.stale_count
		RETURNING id
	`),
		s.ID.String(), s.PortfolioID, db.timeArg(s.AsOf), s.TotalValue, s.CashBalance,
		string(holdingsJSON), s.StaleCount, db.timeArg(now),
	).Scan(&id)
	if err != nil {
		return repoErr("upsert_snapshot", fmt.Errorf("failed to write snapshot: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return repoErr("upsert_snapshot", fmt.Errorf("failed to commit transaction: %w", err))
	}

	if parsed, err := uuid.Parse(id); err == nil {
		s.ID = parsed
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	return nil
}

const snapshotColumns = `id, portfolio_id, as_of, total_value, cash_balance, holdings_json, stale_count, created_at`

func scanSnapshot(row interface{ Scan(...any) error }) (*models.PortfolioSnapshot, error) {
	var (
		s         models.PortfolioSnapshot
		id        string
		asOf      timeValue
		createdAt timeValue
		holdings  []byte
	)
	err := row.Scan(&id, &s.PortfolioID, &asOf, &s.TotalValue, &s.CashBalance, &holdings, &s.StaleCount, &createdAt)
	if err != nil {
		return nil, err
	}
	if s.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("bad snapshot id %q: %w", id, err)
	}
	if err := json.Unmarshal(holdings, &s.Holdings); err != nil {
		return nil, fmt.Errorf("failed to decode holdings: %w", err)
	}
	s.AsOf = asOf.Time
	s.CreatedAt = createdAt.Time
	return &s, nil
}

// GetSnapshot returns the snapshot stored for (portfolioID, asOf)
func (db *DB) GetSnapshot(ctx context.Context, portfolioID string, asOf time.Time) (*models.PortfolioSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM portfolio_snapshot WHERE portfolio_id = $1 AND as_of = $2`
	s, err := scanSnapshot(db.conn.QueryRowContext(ctx, db.q(query), portfolioID, db.timeArg(models.NormalizeAsOf(asOf))))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repoErr("get_snapshot", fmt.Errorf("snapshot %s at %s: %w", portfolioID, asOf.Format(time.RFC3339), ErrNotFound))
	}
	if err != nil {
		return nil, repoErr("get_snapshot", err)
	}
	return s, nil
}

// GetLatestSnapshot returns the newest snapshot for portfolioID
func (db *DB) GetLatestSnapshot(ctx context.Context, portfolioID string) (*models.PortfolioSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM portfolio_snapshot WHERE portfolio_id = $1 ORDER BY as_of DESC LIMIT 1`
	s, err := scanSnapshot(db.conn.QueryRowContext(ctx, db.q(query), portfolioID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repoErr("get_latest_snapshot", fmt.Errorf("no snapshots for %s: %w", portfolioID, ErrNotFound))
	}
	if err != nil {
		return nil, repoErr("get_latest_snapshot", err)
	}
	return s, nil
}

// ListSnapshots returns up to limit snapshots for portfolioID, newest first
func (db *DB) ListSnapshots(ctx context.Context, portfolioID string, limit int) ([]*models.PortfolioSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + snapshotColumns + ` FROM portfolio_snapshot WHERE portfolio_id = $1 ORDER BY as_of DESC LIMIT $2`
	rows, err := db.conn.QueryContext(ctx, db.q(query), portfolioID, limit)
	if err != nil {
		return nil, repoErr("list_snapshots", err)
	}
	defer rows.Close()

	var out []*models.PortfolioSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, repoErr("list_snapshots", fmt.Errorf("failed to scan snapshot: %w", err))
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, repoErr("list_snapshots", err)
	}
	return out, nil
}

// LastKnownPrice returns the newest stored price for ticker: the price it
// carried in the portfolio's most recent snapshot that holds it, or the
// latest market_history close, whichever is newer. The bool is false when
// neither exists
func (db *DB) LastKnownPrice(ctx context.Context, portfolioID string, ticker models.Ticker) (models.PricePoint, bool, error) {
	var best models.PricePoint
	found := false

	snapshots, err := db.ListSnapshots(ctx, portfolioID, lastKnownLookback)
	if err != nil {
		return best, false, err
	}
	for _, s := range snapshots {
		h, ok := s.Holding(ticker)
		if !ok || !h.Price.IsPositive() {
			continue
		}
		asOf := h.PriceAsOf
		if asOf.IsZero() {
			asOf = s.AsOf
		}
		best = models.PricePoint{Ticker: ticker, Price: h.Price, AsOf: asOf, Source: SourceSnapshot}
		found = true
		break
	}

	bar, err := db.GetLatestBar(ctx, ticker)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return best, false, err
	case !found || bar.Date.After(best.AsOf):
		best = models.PricePoint{Ticker: ticker, Price: bar.Close, AsOf: bar.Date, Source: SourceHistory}
		found = true
	}
	return best, found, nil
}
