package models

import (
	"regexp"
	"strings"

	"github.com/trogers1052/portfolio-valuation/internal/apperr"
)

var tickerPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,14}$`)

// Ticker is a normalized, upper-case tradable symbol
type Ticker string

// ParseTicker trims and upper-cases s and checks it is a valid symbol
func ParseTicker(s string) (Ticker, error) {
	symbol := strings.ToUpper(strings.TrimSpace(s))
	if symbol == "" {
		return "", &apperr.ValidationError{Field: "ticker", Reason: "ticker is empty"}
	}
	if !tickerPattern.MatchString(symbol) {
		return "", &apperr.ValidationError{Field: "ticker", Ticker: symbol, Reason: "ticker must be alphanumeric with '.' or '-'"}
	}
	return Ticker(symbol), nil
}

func (t Ticker) String() string { return string(t) }
