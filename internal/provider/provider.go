// Package provider defines the upstream market-data collaborators and their
// concrete implementations. Providers return raw, provider-shaped payloads;
// turning them into canonical records is the transform package's job
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/trogers1052/portfolio-valuation/internal/apperr"
	"github.com/trogers1052/portfolio-valuation/internal/models"
)

// Kind names a payload dialect. Providers of the same kind share a schema
type Kind string

const (
	KindSynthetic Kind = "synthetic"
	KindYahoo     Kind = "yahoo"
	KindEODHD     Kind = "eodhd"
)

// Raw is an undecoded provider payload: JSON decoded into maps, slices and
// json.Number values
type Raw struct {
	Provider   string
	Kind       Kind
	Ticker     models.Ticker
	Body       any
	ReceivedAt time.Time
}

// Provider fetches raw market data. Failures are classified with
// apperr.MarkTransient / apperr.MarkPermanent
type Provider interface {
	Name() string
	Kind() Kind
	FetchQuote(ctx context.Context, ticker models.Ticker) (Raw, error)
	FetchCandles(ctx context.Context, ticker models.Ticker, start, end time.Time) (Raw, error)
	FetchProfile(ctx context.Context, ticker models.Ticker) (Raw, error)
}

// NewsProvider is implemented by providers that also serve headlines
type NewsProvider interface {
	FetchNews(ctx context.Context, ticker models.Ticker, limit int) (Raw, error)
}

// ErrUnsupported is returned for capabilities a provider does not have
var ErrUnsupported = apperr.MarkPermanent(errors.New("operation not supported by provider"))

// SupportsNews reports whether p can serve news
func SupportsNews(p Provider) bool {
	if s, ok := p.(interface{ SupportsNews() bool }); ok {
		return s.SupportsNews()
	}
	_, ok := p.(NewsProvider)
	return ok
}
