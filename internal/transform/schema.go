package transform

import "github.com/trogers1052/portfolio-valuation/internal/provider"

// TimeFormat says how a timestamp field is encoded
type TimeFormat int

const (
	// TimeUnix is seconds since the epoch
	TimeUnix TimeFormat = iota
	// TimeDate is a bare "2006-01-02" calendar date
	TimeDate
	// TimeRFC3339 is an RFC 3339 timestamp
	TimeRFC3339
)

// Layout says how a candle payload arranges its bars
type Layout int

const (
	// LayoutRows is an array of bar objects; field paths are relative to a row
	LayoutRows Layout = iota
	// LayoutColumns is parallel arrays per field; field paths are absolute
	LayoutColumns
)

// QuoteFields locates the quote fields in a payload. Currency and Timezone
// are optional
type QuoteFields struct {
	Price      string
	Time       string
	TimeFormat TimeFormat
	Currency   string
}

// CandleFields locates the bar fields. Rows is the path to the row array for
// LayoutRows; "$" means the payload itself. Timezone, when set, is an absolute
// path to an IANA zone name used to turn Unix timestamps into exchange dates
type CandleFields struct {
	Layout     Layout
	Rows       string
	Date       string
	TimeFormat TimeFormat
	Timezone   string
	Open       string
	High       string
	Low        string
	Close      string
	Volume     string
}

// ProfileFields locates profile fields. Only Name is required
type ProfileFields struct {
	Name     string
	Exchange string
	Currency string
	Sector   string
	Industry string
}

// NewsFields locates headline fields; Title, URL and Published are relative
// to an item
type NewsFields struct {
	Items      string
	Title      string
	URL        string
	Published  string
	TimeFormat TimeFormat
}

// Schema is the field map for one payload dialect. A zero section means the
// dialect does not serve that kind of data
type Schema struct {
	Quote   QuoteFields
	Candles CandleFields
	Profile ProfileFields
	News    NewsFields
}

const yahooResult = "$.chart.result[0]"

// DefaultSchemas returns the field maps for every built-in provider kind
func DefaultSchemas() map[provider.Kind]Schema {
	return map[provider.Kind]Schema{
		provider.KindSynthetic: {
			Quote: QuoteFields{Price: "$.last", Time: "$.ts", TimeFormat: TimeUnix},
			Candles: CandleFields{
				Layout: LayoutRows, Rows: "$.bars",
				Date: "$.d", TimeFormat: TimeDate,
				Open: "$.o", High: "$.h", Low: "$.l", Close: "$.c", Volume: "$.v",
			},
			Profile: ProfileFields{
				Name: "$.name", Exchange: "$.exchange", Currency: "$.currency",
				Sector: "$.sector", Industry: "$.industry",
			},
			News: NewsFields{Items: "$.items", Title: "$.headline", URL: "$.url", Published: "$.published", TimeFormat: TimeUnix},
		},
		provider.KindYahoo: {
			Quote: QuoteFields{
				Price:      yahooResult + ".meta.regularMarketPrice",
				Time:       yahooResult + ".meta.regularMarketTime",
				TimeFormat: TimeUnix,
				Currency:   yahooResult + ".meta.currency",
			},
			Candles: CandleFields{
				Layout:     LayoutColumns,
				Date:       yahooResult + ".timestamp",
				TimeFormat: TimeUnix,
				Timezone:   yahooResult + ".meta.exchangeTimezoneName",
				Open:       yahooResult + ".indicators.quote[0].open",
				High:       yahooResult + ".indicators.quote[0].high",
				Low:        yahooResult + ".indicators.quote[0].low",
				Close:      yahooResult + ".indicators.quote[0].close",
				Volume:     yahooResult + ".indicators.quote[0].volume",
			},
			Profile: ProfileFields{
				Name:     yahooResult + ".meta.longName",
				Exchange: yahooResult + ".meta.fullExchangeName",
				Currency: yahooResult + ".meta.currency",
			},
		},
		provider.KindEODHD: {
			Quote: QuoteFields{Price: "$.close", Time: "$.timestamp", TimeFormat: TimeUnix},
			Candles: CandleFields{
				Layout: LayoutRows, Rows: "$",
				Date: "$.date", TimeFormat: TimeDate,
				Open: "$.open", High: "$.high", Low: "$.low", Close: "$.close", Volume: "$.volume",
			},
			Profile: ProfileFields{
				Name: "$.Name", Exchange: "$.Exchange", Currency: "$.CurrencyCode",
				Sector: "$.Sector", Industry: "$.Industry",
			},
			News: NewsFields{Items: "$", Title: "$.title", URL: "$.link", Published: "$.date", TimeFormat: TimeRFC3339},
		},
	}
}
