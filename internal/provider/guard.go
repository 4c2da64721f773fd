package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/trogers1052/portfolio-valuation/internal/apperr"
	"github.com/trogers1052/portfolio-valuation/internal/logging"
	"github.com/trogers1052/portfolio-valuation/internal/models"
)

// GuardConfig sets the circuit breaker and request pacing for one provider
type GuardConfig struct {
	// FailureThreshold consecutive transient failures open the breaker
	FailureThreshold uint32
	// Cooldown is how long the breaker stays open before a trial request
	Cooldown time.Duration
	// MinInterval is the minimum spacing between upstream requests
	MinInterval time.Duration
}

// DefaultGuardConfig opens after 3 failures for 60s and spaces requests 250ms apart
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{FailureThreshold: 3, Cooldown: 60 * time.Second, MinInterval: 250 * time.Millisecond}
}

// Guarded wraps a Provider with a circuit breaker and a rate limiter. An open
// breaker fails fast with a transient error so callers move to the next provider
type Guarded struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewGuarded wraps p
func NewGuarded(p Provider, cfg GuardConfig, logger *logging.Logger) *Guarded {
	logger = logging.OrSilent(logger)
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultGuardConfig().FailureThreshold
	}

	g := &Guarded{inner: p}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        p.Name(),
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// a rejected ticker or a caller that gave up says nothing about
			// the provider's health
			var gone callerGone
			return err == nil || apperr.IsPermanent(err) || errors.As(err, &gone)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("provider", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	if cfg.MinInterval > 0 {
		g.limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	return g
}

// callerGone marks a failure that happened after the caller's context was
// cancelled or hit its deadline
type callerGone struct{ err error }

func (c callerGone) Error() string { return c.err.Error() }

func (c callerGone) Unwrap() error { return c.err }

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) Kind() Kind { return g.inner.Kind() }

// State reports the breaker state
func (g *Guarded) State() gobreaker.State { return g.breaker.State() }

// SupportsNews reports whether the wrapped provider serves news
func (g *Guarded) SupportsNews() bool { return SupportsNews(g.inner) }

func (g *Guarded) call(ctx context.Context, fn func(context.Context) (Raw, error)) (Raw, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return Raw{}, apperr.MarkTransient(fmt.Errorf("%s: rate limit wait: %w", g.Name(), err))
		}
	}

	out, err := g.breaker.Execute(func() (interface{}, error) {
		raw, err := fn(ctx)
		if err != nil && ctx.Err() != nil {
			return raw, callerGone{err}
		}
		return raw, err
	})
	var gone callerGone
	if errors.As(err, &gone) {
		return Raw{}, gone.err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Raw{}, apperr.MarkTransient(fmt.Errorf("%s: %w", g.Name(), err))
	}
	if err != nil {
		return Raw{}, err
	}
	return out.(Raw), nil
}

func (g *Guarded) FetchQuote(ctx context.Context, ticker models.Ticker) (Raw, error) {
	return g.call(ctx, func(ctx context.Context) (Raw, error) { return g.inner.FetchQuote(ctx, ticker) })
}

func (g *Guarded) FetchCandles(ctx context.Context, ticker models.Ticker, start, end time.Time) (Raw, error) {
	return g.call(ctx, func(ctx context.Context) (Raw, error) { return g.inner.FetchCandles(ctx, ticker, start, end) })
}

func (g *Guarded) FetchProfile(ctx context.Context, ticker models.Ticker) (Raw, error) {
	return g.call(ctx, func(ctx context.Context) (Raw, error) { return g.inner.FetchProfile(ctx, ticker) })
}

func (g *Guarded) FetchNews(ctx context.Context, ticker models.Ticker, limit int) (Raw, error) {
	np, ok := g.inner.(NewsProvider)
	if !ok {
		return Raw{}, ErrUnsupported
	}
	return g.call(ctx, func(ctx context.Context) (Raw, error) { return np.FetchNews(ctx, ticker, limit) })
}
