package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes. metrics may be nil; middleware
// wraps every route
func SetupRoutes(handler *Handler, metrics http.Handler, middleware ...mux.MiddlewareFunc) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware...)

	// Health check
	r.HandleFunc("/health", handler.HealthCheck).Methods("GET")
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods("GET")
	}

	api := r.PathPrefix("/api/v1").Subrouter()

	// Market data routes
	api.HandleFunc("/quotes/{symbol}", handler.GetQuote).Methods("GET")
	api.HandleFunc("/candles/{symbol}", handler.GetCandles).Methods("GET")
	api.HandleFunc("/profiles/{symbol}", handler.GetProfile).Methods("GET")
	api.HandleFunc("/news/{symbol}", handler.GetNews).Methods("GET")

	// History routes
	api.HandleFunc("/history/{symbol}", handler.GetHistory).Methods("GET")
	api.HandleFunc("/history/{symbol}/backfill", handler.BackfillHistory).Methods("POST")

	// Portfolio routes
	api.HandleFunc("/portfolios/{id}/snapshots", handler.CreateSnapshot).Methods("POST")
	api.HandleFunc("/portfolios/{id}/snapshots", handler.ListSnapshots).Methods("GET")
	api.HandleFunc("/portfolios/{id}/snapshots/latest", handler.GetLatestSnapshot).Methods("GET")

	// Watchlist routes
	api.HandleFunc("/tracked", handler.GetTracked).Methods("GET")
	api.HandleFunc("/tracked/{symbol}", handler.TrackSymbol).Methods("PUT")
	api.HandleFunc("/tracked/{symbol}", handler.UntrackSymbol).Methods("DELETE")

	return r
}
