// Package apperr defines the error taxonomy shared by the market-data and
// valuation pipeline, and the Transient/Permanent classification that drives
// retries and provider fall-through
package apperr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrRetryExhausted is matched by every RetryExhaustedError
	ErrRetryExhausted = errors.New("retry exhausted")
	// ErrCancelled is matched by every CancelledError
	ErrCancelled = errors.New("cancelled")
)

// ValidationError reports malformed input, a malformed ticker or a payload
// that does not fit the canonical schema
type ValidationError struct {
	Field  string
	Ticker string
	Date   time.Time
	Reason string
}

// NewValidationError creates a ValidationError for field
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation failed")
	if e.Field != "" {
		fmt.Fprintf(&b, " on field %q", e.Field)
	}
	if e.Ticker != "" {
		fmt.Fprintf(&b, " for %s", e.Ticker)
	}
	if !e.Date.IsZero() {
		fmt.Fprintf(&b, " on %s", e.Date.Format("2006-01-02"))
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

// MarketDataKind identifies why market data could not be produced
type MarketDataKind string

const (
	KindProviderTimeout    MarketDataKind = "provider_timeout"
	KindProviderRejected   MarketDataKind = "provider_rejected"
	KindAllProvidersFailed MarketDataKind = "all_providers_failed"
	KindNoDataAvailable    MarketDataKind = "no_data_available"
)

// MarketDataError is what the price fetching service returns when a provider
// call cannot be turned into a canonical value
type MarketDataError struct {
	Kind     MarketDataKind
	Ticker   string
	Provider string
	Err      error
}

func (e *MarketDataError) Error() string {
	msg := fmt.Sprintf("market data %s for %s", e.Kind, e.Ticker)
	if e.Provider != "" {
		msg += " from " + e.Provider
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MarketDataError) Unwrap() error { return e.Err }

// IsMarketDataKind reports whether err carries a MarketDataError of the given kind
func IsMarketDataKind(err error, kind MarketDataKind) bool {
	var mde *MarketDataError
	return errors.As(err, &mde) && mde.Kind == kind
}

// RepositoryError wraps any failure of the durable store
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repository %s failed: %v", e.Op, e.Err)
}

func (e *RepositoryError) Unwrap() error { return e.Err }

// RetryExhaustedError is returned once every attempt failed transiently
type RetryExhaustedError struct {
	Name     string
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s: retry exhausted after %d attempts: %v", e.Name, e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() []error { return []error{ErrRetryExhausted, e.Last} }

// CancelledError is returned when the caller's context ends before the
// operation could succeed
type CancelledError struct {
	Name     string
	Attempts int
	Cause    error
	Last     error
}

func (e *CancelledError) Error() string {
	msg := fmt.Sprintf("%s: cancelled after %d attempts: %v", e.Name, e.Attempts, e.Cause)
	if e.Last != nil {
		msg += fmt.Sprintf(" (last error: %v)", e.Last)
	}
	return msg
}

func (e *CancelledError) Unwrap() []error { return []error{ErrCancelled, e.Cause} }
