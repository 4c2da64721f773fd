// Package quotestore keeps the latest observed quote per ticker in Redis so
// valuations can fall back to it when every provider is down
package quotestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trogers1052/portfolio-valuation/internal/apperr"
	"github.com/trogers1052/portfolio-valuation/internal/models"
)

const (
	DefaultPrefix = "marketdata:quote:"
	DefaultTTL    = 24 * time.Hour

	// Source is reported on prices recovered from this store
	Source = "redis"
)

// Store is a Redis-backed latest-quote read model
type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// Option configures a Store
type Option func(*Store)

// WithPrefix overrides the key prefix
func WithPrefix(p string) Option {
	return func(s *Store) {
		if p != "" {
			s.prefix = p
		}
	}
}

// WithTTL overrides how long a quote is kept
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// New wraps an existing client
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials addr and checks it answers PING
func Connect(ctx context.Context, addr, password string, db int, opts ...Option) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return New(client, opts...), nil
}

// Close closes the underlying client
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(t models.Ticker) string {
	return s.prefix + string(t)
}

// saveAttempts bounds optimistic retries when another writer touches the key
// between WATCH and EXEC
const saveAttempts = 10

// SaveQuote stores q unless the stored quote is newer. The compare and the
// write run in one WATCH/MULTI transaction
func (s *Store) SaveQuote(ctx context.Context, q models.Quote) error {
	if err := q.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(q)
	if err != nil {
		return &apperr.RepositoryError{Op: "save_quote", Err: fmt.Errorf("failed to marshal quote: %w", err)}
	}

	key := s.key(q.Ticker)
	txf := func(tx *redis.Tx) error {
		current, found, err := decodeQuote(tx.Get(ctx, key))
		if err != nil {
			return err
		}
		if found && current.Timestamp.After(q.Timestamp) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < saveAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return &apperr.RepositoryError{Op: "save_quote", Err: err}
		}
		return nil
	}
	return &apperr.RepositoryError{Op: "save_quote", Err: fmt.Errorf("%s kept changing after %d attempts", key, saveAttempts)}
}

// RecordQuotes saves each quote, skipping stale ones, and joins any errors
func (s *Store) RecordQuotes(ctx context.Context, quotes []models.Quote) error {
	var errs []error
	for _, q := range quotes {
		if q.Stale {
			continue
		}
		if err := s.SaveQuote(ctx, q); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", q.Ticker, err))
		}
	}
	return errors.Join(errs...)
}

// GetLatestQuote returns the stored quote for t. The bool is false when
// nothing is stored or the entry expired
func (s *Store) GetLatestQuote(ctx context.Context, t models.Ticker) (models.Quote, bool, error) {
	q, found, err := decodeQuote(s.client.Get(ctx, s.key(t)))
	if err != nil {
		return q, false, &apperr.RepositoryError{Op: "get_quote", Err: err}
	}
	return q, found, nil
}

func decodeQuote(cmd *redis.StringCmd) (models.Quote, bool, error) {
	var q models.Quote
	data, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return q, false, nil
	}
	if err != nil {
		return q, false, fmt.Errorf("failed to get quote from redis: %w", err)
	}
	if err := json.Unmarshal(data, &q); err != nil {
		return q, false, fmt.Errorf("failed to unmarshal quote: %w", err)
	}
	return q, true, nil
}

// LastKnownPrice adapts the store to the valuation fallback chain. Quotes
// are not scoped to a portfolio so portfolioID is ignored
func (s *Store) LastKnownPrice(ctx context.Context, _ string, t models.Ticker) (models.PricePoint, bool, error) {
	q, found, err := s.GetLatestQuote(ctx, t)
	if err != nil || !found {
		return models.PricePoint{}, false, err
	}
	return models.PricePoint{Ticker: t, Price: q.Price, AsOf: q.Timestamp, Source: Source}, true, nil
}
