package apperr

import (
	"errors"
	"net/http"
)

// Class decides whether an operation is worth retrying
type Class int

const (
	Transient Class = iota
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

// ClassifiedError pins a class onto an error
type ClassifiedError struct {
	Class Class
	Err   error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }

func (e *ClassifiedError) Unwrap() error { return e.Err }

// MarkTransient classifies err as worth retrying. A nil err stays nil
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: Transient, Err: err}
}

// MarkPermanent classifies err as not worth retrying. A nil err stays nil
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: Permanent, Err: err}
}

// Classify returns the class of err. An explicit classification wins,
// validation errors and rejected/empty market data are permanent, and
// anything unknown is treated as transient
func Classify(err error) Class {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return Permanent
	}
	var mde *MarketDataError
	if errors.As(err, &mde) {
		switch mde.Kind {
		case KindProviderRejected, KindNoDataAvailable:
			return Permanent
		}
	}
	return Transient
}

// IsPermanent is shorthand for Classify(err) == Permanent
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == Permanent
}

// ClassifyStatus maps an upstream HTTP status code to a class: rate limits,
// timeouts and server errors are transient, every other failure is permanent
func ClassifyStatus(code int) Class {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return Transient
	case code >= 500:
		return Transient
	default:
		return Permanent
	}
}
