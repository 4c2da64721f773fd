// Package marketdata fetches quotes, candles, profiles and news through an
// ordered chain of providers, with per-provider retries and a shared cache
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/trogers1052/portfolio-valuation/internal/apperr"
	"github.com/trogers1052/portfolio-valuation/internal/cache"
	"github.com/trogers1052/portfolio-valuation/internal/clock"
	"github.com/trogers1052/portfolio-valuation/internal/logging"
	"github.com/trogers1052/portfolio-valuation/internal/models"
	"github.com/trogers1052/portfolio-valuation/internal/provider"
	"github.com/trogers1052/portfolio-valuation/internal/retry"
	"github.com/trogers1052/portfolio-valuation/internal/transform"
)

// MaxNewsItems caps FetchNews limits
const MaxNewsItems = 50

// Service is the price fetching service
type Service struct {
	providers  []provider.Provider
	cache      *cache.Store
	exec       *retry.Executor
	normalizer *transform.Normalizer

	policy    retry.Policy
	ttls      cache.TTLs
	clock     clock.Clock
	logger    *logging.Logger
	overrides *provider.Overrides

	mu          sync.Mutex
	lastQuoteAt map[models.Ticker]time.Time
}

// Option configures a Service
type Option func(*Service)

func WithPolicy(p retry.Policy) Option {
	return func(s *Service) { s.policy = p }
}

func WithTTLs(t cache.TTLs) Option {
	return func(s *Service) { s.ttls = t }
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithOverrides sets the manual prices served when every provider fails
func WithOverrides(o *provider.Overrides) Option {
	return func(s *Service) { s.overrides = o }
}

// NewService creates a Service. Providers are tried in the given order
func NewService(providers []provider.Provider, store *cache.Store, exec *retry.Executor, normalizer *transform.Normalizer, opts ...Option) *Service {
	s := &Service{
		providers:   providers,
		cache:       store,
		exec:        exec,
		normalizer:  normalizer,
		policy:      retry.DefaultPolicy(),
		ttls:        cache.DefaultTTLs(),
		clock:       clock.Real{},
		lastQuoteAt: make(map[models.Ticker]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache == nil {
		s.cache = cache.New(0, cache.WithClock(s.clock))
	}
	if s.exec == nil {
		s.exec = retry.NewExecutor(retry.WithClock(s.clock))
	}
	if s.normalizer == nil {
		s.normalizer = transform.NewNormalizer(nil)
	}
	s.logger = logging.OrSilent(s.logger)
	return s
}

// ProviderNames lists the providers in the order they are tried
func (s *Service) ProviderNames() []string {
	names := make([]string, len(s.providers))
	for i, p := range s.providers {
		names[i] = p.Name()
	}
	return names
}

// FetchQuote returns the latest price for ticker. A quote served from an
// expired cache entry after a failed refresh has Stale set. When every
// provider fails and a manual price exists, the manual price is returned
func (s *Service) FetchQuote(ctx context.Context, ticker string) (models.Quote, error) {
	t, err := models.ParseTicker(ticker)
	if err != nil {
		return models.Quote{}, err
	}

	res, err := cache.GetOrFetch(ctx, s.cache, cache.QuoteKey(string(t)), s.ttls.For(cache.KindQuote),
		func(ctx context.Context) (models.Quote, error) {
			return chain(ctx, s, "quote", t, nil, func(ctx context.Context, p provider.Provider) (models.Quote, error) {
				raw, err := p.FetchQuote(ctx, t)
				if err != nil {
					return models.Quote{}, err
				}
				q, err := s.normalizer.NormalizeQuote(raw)
				if err != nil {
					return models.Quote{}, malformed(p, err)
				}
				if err := s.advance(q); err != nil {
					return models.Quote{}, err
				}
				return q, nil
			})
		})
	if err != nil {
		err = timedOut(t, err)
		if manual, ok := s.overrides.Get(t); ok && apperr.IsMarketDataKind(err, apperr.KindAllProvidersFailed) {
			s.logger.Warn().Str("ticker", string(t)).Err(err).Msg("all providers failed, using manual price")
			return manual, nil
		}
		return models.Quote{}, err
	}

	q := res.Value
	if res.Stale {
		q.Stale = true
		s.logger.Warn().Str("ticker", string(t)).Str("fetched_at", res.FetchedAt.Format(time.RFC3339)).Msg("serving stale quote")
	}
	return q, nil
}

// advance enforces that quote timestamps for a ticker never go backwards
func (s *Service) advance(q models.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastQuoteAt[q.Ticker]; ok && q.Timestamp.Before(last) {
		return apperr.MarkTransient(fmt.Errorf("%s quote from %s at %s is older than %s",
			q.Ticker, q.Source, q.Timestamp.Format(time.RFC3339), last.Format(time.RFC3339)))
	}
	s.lastQuoteAt[q.Ticker] = q.Timestamp
	return nil
}

// FetchCandles returns daily bars for ticker between start and end
// inclusive, sorted by date
func (s *Service) FetchCandles(ctx context.Context, ticker string, start, end time.Time) ([]models.CandleBar, error) {
	t, err := models.ParseTicker(ticker)
	if err != nil {
		return nil, err
	}
	start, end = models.DateOnly(start), models.DateOnly(end)
	if start.IsZero() || end.Before(start) {
		return nil, &apperr.ValidationError{Field: "range", Ticker: string(t), Reason: "start must be set and not after end"}
	}

	res, err := cache.GetOrFetch(ctx, s.cache, cache.CandleKey(string(t), start, end), s.ttls.For(cache.KindCandle),
		func(ctx context.Context) ([]models.CandleBar, error) {
			return chain(ctx, s, "candles", t, nil, func(ctx context.Context, p provider.Provider) ([]models.CandleBar, error) {
				raw, err := p.FetchCandles(ctx, t, start, end)
				if err != nil {
					return nil, err
				}
				bars, err := s.normalizer.NormalizeCandles(raw)
				if err != nil {
					return nil, malformed(p, err)
				}
				bars = within(bars, start, end)
				if len(bars) == 0 {
					return nil, noData(p, t, "no bars between %s and %s", start.Format(time.DateOnly), end.Format(time.DateOnly))
				}
				return bars, nil
			})
		})
	if err != nil {
		err = timedOut(t, err)
		return nil, err
	}
	if res.Stale {
		s.logger.Warn().Str("ticker", string(t)).Str("fetched_at", res.FetchedAt.Format(time.RFC3339)).Msg("serving stale candles")
	}
	return res.Value, nil
}

func within(bars []models.CandleBar, start, end time.Time) []models.CandleBar {
	out := bars[:0]
	for _, b := range bars {
		if !b.Date.Before(start) && !b.Date.After(end) {
			out = append(out, b)
		}
	}
	return out
}

// FetchProfile returns descriptive data for ticker
func (s *Service) FetchProfile(ctx context.Context, ticker string) (models.Profile, error) {
	t, err := models.ParseTicker(ticker)
	if err != nil {
		return models.Profile{}, err
	}

	res, err := cache.GetOrFetch(ctx, s.cache, cache.ProfileKey(string(t)), s.ttls.For(cache.KindProfile),
		func(ctx context.Context) (models.Profile, error) {
			return chain(ctx, s, "profile", t, nil, func(ctx context.Context, p provider.Provider) (models.Profile, error) {
				raw, err := p.FetchProfile(ctx, t)
				if err != nil {
					return models.Profile{}, err
				}
				profile, err := s.normalizer.NormalizeProfile(raw)
				if err != nil {
					return models.Profile{}, malformed(p, err)
				}
				return profile, nil
			})
		})
	if err != nil {
		err = timedOut(t, err)
		return models.Profile{}, err
	}
	if res.Stale {
		s.logger.Warn().Str("ticker", string(t)).Msg("serving stale profile")
	}
	return res.Value, nil
}

// FetchNews returns up to limit headlines for ticker, newest first. Only
// providers that serve news are consulted
func (s *Service) FetchNews(ctx context.Context, ticker string, limit int) ([]models.NewsItem, error) {
	t, err := models.ParseTicker(ticker)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxNewsItems {
		return nil, &apperr.ValidationError{Field: "limit", Ticker: string(t), Reason: fmt.Sprintf("limit must be between 1 and %d", MaxNewsItems)}
	}

	res, err := cache.GetOrFetch(ctx, s.cache, cache.NewsKey(string(t), limit), s.ttls.For(cache.KindNews),
		func(ctx context.Context) ([]models.NewsItem, error) {
			return chain(ctx, s, "news", t, provider.SupportsNews, func(ctx context.Context, p provider.Provider) ([]models.NewsItem, error) {
				np, ok := p.(provider.NewsProvider)
				if !ok {
					return nil, provider.ErrUnsupported
				}
				raw, err := np.FetchNews(ctx, t, limit)
				if err != nil {
					return nil, err
				}
				items, err := s.normalizer.NormalizeNews(raw)
				if err != nil {
					return nil, malformed(p, err)
				}
				if len(items) == 0 {
					return nil, noData(p, t, "no headlines")
				}
				if len(items) > limit {
					items = items[:limit]
				}
				return items, nil
			})
		})
	if err != nil {
		err = timedOut(t, err)
		return nil, err
	}
	if res.Stale {
		s.logger.Warn().Str("ticker", string(t)).Msg("serving stale news")
	}
	return res.Value, nil
}

// chain tries each eligible provider in order, each under the retry policy.
// A permanent failure stops the chain; an exhausted provider hands over to
// the next one; cancellation stops everything
func chain[T any](ctx context.Context, s *Service, op string, t models.Ticker, eligible func(provider.Provider) bool,
	call func(context.Context, provider.Provider) (T, error)) (T, error) {
	var (
		zero   T
		causes []error
		tried  int
	)

	for _, p := range s.providers {
		if eligible != nil && !eligible(p) {
			continue
		}
		tried++

		v, err := retry.Do(ctx, s.exec, op+":"+p.Name()+":"+string(t), s.policy, func(ctx context.Context) (T, error) {
			return call(ctx, p)
		})
		if err == nil {
			return v, nil
		}

		var cancelled *apperr.CancelledError
		if errors.As(err, &cancelled) {
			return zero, &apperr.MarketDataError{Kind: apperr.KindProviderTimeout, Ticker: string(t), Provider: p.Name(), Err: err}
		}
		if errors.Is(err, apperr.ErrRetryExhausted) {
			s.logger.Warn().
				Str("op", op).
				Str("ticker", string(t)).
				Str("provider", p.Name()).
				Err(err).
				Msg("provider exhausted, trying next")
			causes = append(causes, err)
			continue
		}

		var mde *apperr.MarketDataError
		if errors.As(err, &mde) {
			return zero, mde
		}
		return zero, &apperr.MarketDataError{Kind: apperr.KindProviderRejected, Ticker: string(t), Provider: p.Name(), Err: err}
	}

	if tried == 0 {
		return zero, &apperr.MarketDataError{Kind: apperr.KindAllProvidersFailed, Ticker: string(t), Err: fmt.Errorf("no provider serves %s", op)}
	}
	return zero, &apperr.MarketDataError{Kind: apperr.KindAllProvidersFailed, Ticker: string(t), Err: errors.Join(causes...)}
}

// timedOut reports a caller that stopped waiting on a shared cache fetch as
// a provider timeout, like a retry cancelled inside the chain
func timedOut(t models.Ticker, err error) error {
	var mde *apperr.MarketDataError
	if errors.As(err, &mde) || !errors.Is(err, apperr.ErrCancelled) {
		return err
	}
	return &apperr.MarketDataError{Kind: apperr.KindProviderTimeout, Ticker: string(t), Err: err}
}

// malformed marks a payload that did not normalize as transient so the next
// provider gets a turn
func malformed(p provider.Provider, err error) error {
	return apperr.MarkTransient(fmt.Errorf("%s returned a malformed payload: %w", p.Name(), err))
}

func noData(p provider.Provider, t models.Ticker, format string, args ...any) error {
	return &apperr.MarketDataError{
		Kind:     apperr.KindNoDataAvailable,
		Ticker:   string(t),
		Provider: p.Name(),
		Err:      fmt.Errorf(format, args...),
	}
}
