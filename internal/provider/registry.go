package provider

import (
	"fmt"

	"github.com/trogers1052/portfolio-valuation/internal/clock"
	"github.com/trogers1052/portfolio-valuation/internal/config"
	"github.com/trogers1052/portfolio-valuation/internal/logging"
)

// FromConfig builds the ordered provider chain named by cfg.Order, each
// wrapped in a Guarded breaker and rate limiter
func FromConfig(cfg config.ProvidersConfig, c clock.Clock, logger *logging.Logger) ([]Provider, error) {
	guard := GuardConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown.Std(),
		MinInterval:      cfg.Breaker.MinInterval.Std(),
	}

	providers := make([]Provider, 0, len(cfg.Order))
	for _, id := range cfg.Order {
		var p Provider
		switch Kind(id) {
		case KindSynthetic:
			p = NewSynthetic(id, cfg.Seed, c)
		case KindYahoo:
			var opts []YahooOption
			if cfg.Yahoo.BaseURL != "" {
				opts = append(opts, WithYahooBaseURL(cfg.Yahoo.BaseURL))
			}
			p = NewYahoo(id, cfg.Yahoo.Timeout.Std(), cfg.Yahoo.Proxy, opts...)
		case KindEODHD:
			if cfg.EODHD.APIKey == "" {
				return nil, fmt.Errorf("provider %s requires an api key", id)
			}
			var opts []EODHDOption
			if cfg.EODHD.BaseURL != "" {
				opts = append(opts, WithEODHDBaseURL(cfg.EODHD.BaseURL))
			}
			if cfg.EODHD.Exchange != "" {
				opts = append(opts, WithEODHDExchange(cfg.EODHD.Exchange))
			}
			p = NewEODHD(id, cfg.EODHD.APIKey, cfg.EODHD.Timeout.Std(), opts...)
		default:
			return nil, fmt.Errorf("unknown provider %q", id)
		}

		// the synthetic provider never fails, so it is not worth pacing
		if p.Kind() == KindSynthetic {
			providers = append(providers, p)
			continue
		}
		providers = append(providers, NewGuarded(p, guard, logger))
	}
	return providers, nil
}
