// Package transform turns raw provider payloads into canonical, validated
// records. Each provider kind has a Schema of jsonpath expressions naming
// where every canonical field lives
package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/PaesslerAG/jsonpath"
	"github.com/shopspring/decimal"

	"github.com/trogers1052/portfolio-valuation/internal/apperr"
	"github.com/trogers1052/portfolio-valuation/internal/models"
	"github.com/trogers1052/portfolio-valuation/internal/provider"
)

// Normalizer maps raw payloads onto the canonical models. It is stateless and
// safe for concurrent use
type Normalizer struct {
	schemas map[provider.Kind]Schema
}

// NewNormalizer creates a Normalizer; nil schemas means DefaultSchemas
func NewNormalizer(schemas map[provider.Kind]Schema) *Normalizer {
	if schemas == nil {
		schemas = DefaultSchemas()
	}
	return &Normalizer{schemas: schemas}
}

func (n *Normalizer) schema(raw provider.Raw) (Schema, error) {
	s, ok := n.schemas[raw.Kind]
	if !ok {
		return Schema{}, fmt.Errorf("no schema for provider kind %q", raw.Kind)
	}
	return s, nil
}

// NormalizeQuote extracts and validates a quote
func (n *Normalizer) NormalizeQuote(raw provider.Raw) (models.Quote, error) {
	s, err := n.schema(raw)
	if err != nil {
		return models.Quote{}, err
	}
	f := s.Quote
	if f.Price == "" {
		return models.Quote{}, fmt.Errorf("%s payloads carry no quotes", raw.Kind)
	}

	q := models.Quote{Ticker: raw.Ticker, Source: raw.Provider}

	v, ok := lookup(f.Price, raw.Body)
	if !ok {
		return models.Quote{}, missing("price", raw.Ticker, time.Time{})
	}
	if q.Price, err = toDecimal(v); err != nil {
		return models.Quote{}, invalid("price", raw.Ticker, time.Time{}, err)
	}

	v, ok = lookup(f.Time, raw.Body)
	if !ok {
		return models.Quote{}, missing("timestamp", raw.Ticker, time.Time{})
	}
	if q.Timestamp, err = toTime(v, f.TimeFormat); err != nil {
		return models.Quote{}, invalid("timestamp", raw.Ticker, time.Time{}, err)
	}

	if v, ok := lookup(f.Currency, raw.Body); ok {
		q.Currency = strings.ToUpper(toString(v))
	}

	if err := q.Validate(); err != nil {
		return models.Quote{}, err
	}
	return q, nil
}

// candleRow holds one bar's raw values keyed by canonical field name
type candleRow map[string]any

var priceFields = []string{"open", "high", "low", "close"}

// NormalizeCandles extracts daily bars. Rows whose prices are all null are
// skipped; any other malformed or inconsistent row fails the whole payload
// with every row error joined. When a date repeats, the later row wins.
// Bars come back sorted by date
func (n *Normalizer) NormalizeCandles(raw provider.Raw) ([]models.CandleBar, error) {
	s, err := n.schema(raw)
	if err != nil {
		return nil, err
	}
	f := s.Candles
	if f.Date == "" {
		return nil, fmt.Errorf("%s payloads carry no candles", raw.Kind)
	}

	loc := time.UTC
	if v, ok := lookup(f.Timezone, raw.Body); ok {
		if l, err := time.LoadLocation(toString(v)); err == nil {
			loc = l
		}
	}

	var rows []candleRow
	switch f.Layout {
	case LayoutColumns:
		rows, err = columnRows(raw, f)
	default:
		rows, err = objectRows(raw, f)
	}
	if err != nil {
		return nil, err
	}

	bars := make([]models.CandleBar, 0, len(rows))
	seen := make(map[int64]int, len(rows))
	var errs []error
	for _, row := range rows {
		if allNull(row) {
			continue
		}
		bar, err := buildBar(raw.Ticker, row, f.TimeFormat, loc)
		if err == nil {
			err = bar.Validate()
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}

		key := bar.Date.Unix()
		if i, dup := seen[key]; dup {
			bars[i] = bar
			continue
		}
		seen[key] = len(bars)
		bars = append(bars, bar)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	slices.SortFunc(bars, func(a, b models.CandleBar) int { return a.Date.Compare(b.Date) })
	return bars, nil
}

func objectRows(raw provider.Raw, f CandleFields) ([]candleRow, error) {
	v, ok := lookup(f.Rows, raw.Body)
	if !ok {
		return nil, missing("rows", raw.Ticker, time.Time{})
	}
	items, ok := v.([]any)
	if !ok {
		return nil, &apperr.ValidationError{Field: "rows", Ticker: string(raw.Ticker), Reason: fmt.Sprintf("expected an array, got %T", v)}
	}

	paths := map[string]string{"date": f.Date, "open": f.Open, "high": f.High, "low": f.Low, "close": f.Close, "volume": f.Volume}
	rows := make([]candleRow, 0, len(items))
	for _, item := range items {
		row := make(candleRow, len(paths))
		for field, path := range paths {
			if v, ok := lookup(path, item); ok {
				row[field] = v
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func columnRows(raw provider.Raw, f CandleFields) ([]candleRow, error) {
	v, ok := lookup(f.Date, raw.Body)
	if !ok {
		// Yahoo omits the timestamp column entirely when the range holds no bars
		return nil, nil
	}
	dates, ok := v.([]any)
	if !ok {
		return nil, &apperr.ValidationError{Field: "date", Ticker: string(raw.Ticker), Reason: fmt.Sprintf("expected an array, got %T", v)}
	}

	columns := map[string][]any{}
	for field, path := range map[string]string{"open": f.Open, "high": f.High, "low": f.Low, "close": f.Close, "volume": f.Volume} {
		v, ok := lookup(path, raw.Body)
		if !ok {
			return nil, missing(field, raw.Ticker, time.Time{})
		}
		col, ok := v.([]any)
		if !ok || len(col) != len(dates) {
			return nil, &apperr.ValidationError{
				Field:  field,
				Ticker: string(raw.Ticker),
				Reason: fmt.Sprintf("column does not line up with %d timestamps", len(dates)),
			}
		}
		columns[field] = col
	}

	rows := make([]candleRow, len(dates))
	for i := range dates {
		row := candleRow{"date": dates[i]}
		for field, col := range columns {
			if col[i] != nil {
				row[field] = col[i]
			}
		}
		rows[i] = row
	}
	return rows, nil
}

func allNull(row candleRow) bool {
	for _, field := range priceFields {
		if row[field] != nil {
			return false
		}
	}
	return true
}

func buildBar(ticker models.Ticker, row candleRow, format TimeFormat, loc *time.Location) (models.CandleBar, error) {
	bar := models.CandleBar{Ticker: ticker}

	v, ok := row["date"]
	if !ok || v == nil {
		return bar, missing("date", ticker, time.Time{})
	}
	t, err := toTime(v, format)
	if err != nil {
		return bar, invalid("date", ticker, time.Time{}, err)
	}
	bar.Date = models.DateOnly(t.In(loc))

	targets := map[string]*decimal.Decimal{"open": &bar.Open, "high": &bar.High, "low": &bar.Low, "close": &bar.Close}
	for _, field := range priceFields {
		v := row[field]
		if v == nil {
			return bar, missing(field, ticker, bar.Date)
		}
		if *targets[field], err = toDecimal(v); err != nil {
			return bar, invalid(field, ticker, bar.Date, err)
		}
	}

	v = row["volume"]
	if v == nil {
		return bar, missing("volume", ticker, bar.Date)
	}
	if bar.Volume, err = toInt64(v); err != nil {
		return bar, invalid("volume", ticker, bar.Date, err)
	}
	return bar, nil
}

// NormalizeProfile extracts descriptive fields; only the name is required
func (n *Normalizer) NormalizeProfile(raw provider.Raw) (models.Profile, error) {
	s, err := n.schema(raw)
	if err != nil {
		return models.Profile{}, err
	}
	f := s.Profile
	if f.Name == "" {
		return models.Profile{}, fmt.Errorf("%s payloads carry no profiles", raw.Kind)
	}

	v, ok := lookup(f.Name, raw.Body)
	if !ok || toString(v) == "" {
		return models.Profile{}, missing("name", raw.Ticker, time.Time{})
	}

	p := models.Profile{Ticker: raw.Ticker, Name: toString(v), Source: raw.Provider}
	optional := func(path string) string {
		if v, ok := lookup(path, raw.Body); ok {
			return toString(v)
		}
		return ""
	}
	p.Exchange = optional(f.Exchange)
	p.Currency = strings.ToUpper(optional(f.Currency))
	p.Sector = optional(f.Sector)
	p.Industry = optional(f.Industry)
	return p, nil
}

// NormalizeNews extracts headlines, newest first
func (n *Normalizer) NormalizeNews(raw provider.Raw) ([]models.NewsItem, error) {
	s, err := n.schema(raw)
	if err != nil {
		return nil, err
	}
	f := s.News
	if f.Items == "" {
		return nil, fmt.Errorf("%s payloads carry no news", raw.Kind)
	}

	v, ok := lookup(f.Items, raw.Body)
	if !ok {
		return nil, missing("items", raw.Ticker, time.Time{})
	}
	items, ok := v.([]any)
	if !ok {
		return nil, &apperr.ValidationError{Field: "items", Ticker: string(raw.Ticker), Reason: fmt.Sprintf("expected an array, got %T", v)}
	}

	out := make([]models.NewsItem, 0, len(items))
	var errs []error
	for _, item := range items {
		title, ok := lookup(f.Title, item)
		if !ok || toString(title) == "" {
			errs = append(errs, missing("title", raw.Ticker, time.Time{}))
			continue
		}
		published, ok := lookup(f.Published, item)
		if !ok {
			errs = append(errs, missing("published", raw.Ticker, time.Time{}))
			continue
		}
		at, err := toTime(published, f.TimeFormat)
		if err != nil {
			errs = append(errs, invalid("published", raw.Ticker, time.Time{}, err))
			continue
		}

		news := models.NewsItem{Ticker: raw.Ticker, Title: toString(title), PublishedAt: at, Source: raw.Provider}
		if u, ok := lookup(f.URL, item); ok {
			news.URL = toString(u)
		}
		out = append(out, news)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	slices.SortStableFunc(out, func(a, b models.NewsItem) int { return b.PublishedAt.Compare(a.PublishedAt) })
	return out, nil
}

// lookup evaluates path against doc. Missing keys and explicit nulls both
// report false. "$" is the document itself
func lookup(path string, doc any) (any, bool) {
	if path == "" || doc == nil {
		return nil, false
	}
	if path == "$" {
		return doc, true
	}
	v, err := jsonpath.Get(path, doc)
	if err != nil || v == nil {
		return nil, false
	}
	return v, true
}

// scalar unwraps single-element results; jsonpath is not consistent about
// returning a list of one answer or the answer itself
func scalar(v any) any {
	if list, ok := v.([]any); ok && len(list) == 1 {
		return list[0]
	}
	return v
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch x := scalar(v).(type) {
	case json.Number:
		return decimal.NewFromString(x.String())
	case string:
		return decimal.NewFromString(strings.TrimSpace(x))
	case float64:
		return decimal.NewFromFloat(x), nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int64:
		return decimal.NewFromInt(x), nil
	default:
		return decimal.Zero, fmt.Errorf("expected a number, got %T", v)
	}
}

func toInt64(v any) (int64, error) {
	d, err := toDecimal(v)
	if err != nil {
		return 0, err
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("expected an integer, got %s", d)
	}
	return d.IntPart(), nil
}

func toTime(v any, format TimeFormat) (time.Time, error) {
	v = scalar(v)
	switch format {
	case TimeUnix:
		d, err := toDecimal(v)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(d.IntPart(), 0).UTC(), nil
	case TimeDate:
		s, ok := v.(string)
		if !ok {
			return time.Time{}, fmt.Errorf("expected a date string, got %T", v)
		}
		return time.Parse(time.DateOnly, strings.TrimSpace(s))
	case TimeRFC3339:
		s, ok := v.(string)
		if !ok {
			return time.Time{}, fmt.Errorf("expected a timestamp string, got %T", v)
		}
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unknown time format %d", format)
	}
}

func toString(v any) string {
	switch x := scalar(v).(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	default:
		return ""
	}
}

func missing(field string, ticker models.Ticker, date time.Time) error {
	return &apperr.ValidationError{Field: field, Ticker: string(ticker), Date: date, Reason: "missing or null"}
}

func invalid(field string, ticker models.Ticker, date time.Time, err error) error {
	return &apperr.ValidationError{Field: field, Ticker: string(ticker), Date: date, Reason: err.Error()}
}
