package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/trogers1052/portfolio-valuation/internal/apperr"
	"github.com/trogers1052/portfolio-valuation/internal/clock"
	"github.com/trogers1052/portfolio-valuation/internal/database"
	"github.com/trogers1052/portfolio-valuation/internal/logging"
	"github.com/trogers1052/portfolio-valuation/internal/models"
	"github.com/trogers1052/portfolio-valuation/internal/valuation"
)

// defaultRangeDays is the candle/history window when start is omitted
const defaultRangeDays = 30

// MarketData is the price fetching service
type MarketData interface {
	FetchQuote(ctx context.Context, ticker string) (models.Quote, error)
	FetchCandles(ctx context.Context, ticker string, start, end time.Time) ([]models.CandleBar, error)
	FetchProfile(ctx context.Context, ticker string) (models.Profile, error)
	FetchNews(ctx context.Context, ticker string, limit int) ([]models.NewsItem, error)
}

// Store is the durable store read by the API
type Store interface {
	GetHistoryRange(ctx context.Context, ticker models.Ticker, start, end time.Time) ([]models.CandleBar, error)
	GetLatestSnapshot(ctx context.Context, portfolioID string) (*models.PortfolioSnapshot, error)
	ListSnapshots(ctx context.Context, portfolioID string, limit int) ([]*models.PortfolioSnapshot, error)
	ListTrackedSymbols(ctx context.Context) ([]*models.TrackedSymbol, error)
	TrackSymbol(ctx context.Context, ticker models.Ticker, priority int) (*models.TrackedSymbol, error)
	UntrackSymbol(ctx context.Context, ticker models.Ticker) error
	Ping() error
}

// Valuer builds portfolio snapshots
type Valuer interface {
	BuildSnapshot(ctx context.Context, portfolioID string, holdings []models.Holding, cash decimal.Decimal) (*models.PortfolioSnapshot, error)
}

// Backfiller copies candles into history
type Backfiller interface {
	Backfill(ctx context.Context, ticker string, start, end time.Time) (valuation.BackfillResult, error)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	market   MarketData
	store    Store
	valuer   Valuer
	backfill Backfiller
	clock    clock.Clock
	logger   *logging.Logger
	currency string
}

// NewHandler creates a new Handler
func NewHandler(market MarketData, store Store, valuer Valuer, backfill Backfiller, logger *logging.Logger) *Handler {
	return &Handler{
		market:   market,
		store:    store,
		valuer:   valuer,
		backfill: backfill,
		clock:    clock.Real{},
		logger:   logging.OrSilent(logger),
		currency: "USD",
	}
}

// snapshotResponse adds a formatted total to a snapshot
type snapshotResponse struct {
	*models.PortfolioSnapshot
	TotalDisplay string `json:"total_display"`
}

func (h *Handler) snapshotBody(s *models.PortfolioSnapshot) snapshotResponse {
	return snapshotResponse{PortfolioSnapshot: s, TotalDisplay: valuation.Display(s.TotalValue, h.currency)}
}

// GetQuote handles GET /quotes/{symbol}
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	q, err := h.market.FetchQuote(r.Context(), mux.Vars(r)["symbol"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, q)
}

// GetCandles handles GET /candles/{symbol}?start=&end=
func (h *Handler) GetCandles(w http.ResponseWriter, r *http.Request) {
	start, end, err := h.dateRange(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	bars, err := h.market.FetchCandles(r.Context(), mux.Vars(r)["symbol"], start, end)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, bars)
}

// GetProfile handles GET /profiles/{symbol}
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.market.FetchProfile(r.Context(), mux.Vars(r)["symbol"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// GetNews handles GET /news/{symbol}?limit=
func (h *Handler) GetNews(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 10)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	items, err := h.market.FetchNews(r.Context(), mux.Vars(r)["symbol"], limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, items)
}

// GetHistory handles GET /history/{symbol}?start=&end=
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	t, err := models.ParseTicker(mux.Vars(r)["symbol"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	start, end, err := h.dateRange(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	bars, err := h.store.GetHistoryRange(r.Context(), t, start, end)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if bars == nil {
		bars = []models.CandleBar{}
	}
	respondJSON(w, http.StatusOK, bars)
}

// BackfillHistory handles POST /history/{symbol}/backfill?start=&end=
func (h *Handler) BackfillHistory(w http.ResponseWriter, r *http.Request) {
	start, end, err := h.dateRange(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.backfill.Backfill(r.Context(), mux.Vars(r)["symbol"], start, end)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// CreateSnapshot handles POST /portfolios/{id}/snapshots
func (h *Handler) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Holdings    []models.Holding `json:"holdings"`
		CashBalance decimal.Decimal  `json:"cash_balance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, apperr.NewValidationError("body", "invalid request body: "+err.Error()))
		return
	}

	s, err := h.valuer.BuildSnapshot(r.Context(), mux.Vars(r)["id"], req.Holdings, req.CashBalance)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, h.snapshotBody(s))
}

// GetLatestSnapshot handles GET /portfolios/{id}/snapshots/latest
func (h *Handler) GetLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	s, err := h.store.GetLatestSnapshot(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, h.snapshotBody(s))
}

// ListSnapshots handles GET /portfolios/{id}/snapshots?limit=
func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 30)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	snapshots, err := h.store.ListSnapshots(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]snapshotResponse, 0, len(snapshots))
	for _, s := range snapshots {
		out = append(out, h.snapshotBody(s))
	}
	respondJSON(w, http.StatusOK, out)
}

// GetTracked handles GET /tracked
func (h *Handler) GetTracked(w http.ResponseWriter, r *http.Request) {
	symbols, err := h.store.ListTrackedSymbols(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if symbols == nil {
		symbols = []*models.TrackedSymbol{}
	}
	respondJSON(w, http.StatusOK, symbols)
}

// TrackSymbol handles PUT /tracked/{symbol}?priority=
func (h *Handler) TrackSymbol(w http.ResponseWriter, r *http.Request) {
	t, err := models.ParseTicker(mux.Vars(r)["symbol"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	priority, err := intParam(r, "priority", 1)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	s, err := h.store.TrackSymbol(r.Context(), t, priority)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}

// UntrackSymbol handles DELETE /tracked/{symbol}
func (h *Handler) UntrackSymbol(w http.ResponseWriter, r *http.Request) {
	t, err := models.ParseTicker(mux.Vars(r)["symbol"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.store.UntrackSymbol(r.Context(), t); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// dateRange reads start and end (YYYY-MM-DD); end defaults to today and
// start to defaultRangeDays before end
func (h *Handler) dateRange(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	end := models.DateOnly(h.clock.Now())
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			return time.Time{}, time.Time{}, apperr.NewValidationError("end", "end must be YYYY-MM-DD")
		}
		end = t
	}
	start := end.AddDate(0, 0, -defaultRangeDays)
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			return time.Time{}, time.Time{}, apperr.NewValidationError("start", "start must be YYYY-MM-DD")
		}
		start = t
	}
	return start, end, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.NewValidationError(name, name+" must be an integer")
	}
	return n, nil
}

// statusFor maps the error taxonomy to an HTTP status
func statusFor(err error) int {
	var (
		ve  *apperr.ValidationError
		mde *apperr.MarketDataError
		re  *apperr.RepositoryError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &mde):
		switch mde.Kind {
		case apperr.KindNoDataAvailable:
			return http.StatusNotFound
		case apperr.KindProviderRejected:
			return http.StatusUnprocessableEntity
		case apperr.KindProviderTimeout:
			return http.StatusGatewayTimeout
		default:
			return http.StatusBadGateway
		}
	case errors.Is(err, apperr.ErrCancelled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, database.ErrSnapshotOutOfOrder):
		return http.StatusConflict
	case errors.As(err, &re):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Str("path", r.URL.Path).Int("status", status).Err(err).Msg("request failed")
	} else {
		h.logger.Debug().Str("path", r.URL.Path).Int("status", status).Err(err).Msg("request rejected")
	}

	body := map[string]string{"error": publicMessage(err, status)}
	var mde *apperr.MarketDataError
	if errors.As(err, &mde) {
		body["kind"] = string(mde.Kind)
	}
	respondJSON(w, status, body)
}

// publicMessage is the client-facing text for err. Upstream and storage
// detail stays in the logs
func publicMessage(err error, status int) string {
	var (
		ve  *apperr.ValidationError
		mde *apperr.MarketDataError
	)
	switch {
	case errors.As(err, &ve):
		return ve.Error()
	case errors.As(err, &mde):
		return fmt.Sprintf("market data %s for %s", mde.Kind, mde.Ticker)
	case status == http.StatusNotFound:
		return "not found"
	case status == http.StatusConflict:
		return "snapshot is older than the latest recorded one"
	case status == http.StatusGatewayTimeout:
		return "request cancelled or timed out"
	default:
		return http.StatusText(status)
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
