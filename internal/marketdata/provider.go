package marketdata

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoQuote indicates the provider had no usable price for a symbol.
var ErrNoQuote = errors.New("no quote available")

// Close is one daily closing price.
type Close struct {
	Date  time.Time
	Price decimal.Decimal
}

// SearchResult is one symbol matched by a free-text search.
type SearchResult struct {
	Symbol    string `json:"symbol"`
	ShortName string `json:"short_name"`
	LongName  string `json:"long_name"`
	Exchange  string `json:"exchange"`
	QuoteType string `json:"quote_type"`
}

// Provider is the external market data collaborator. Failures are expected
// and non-fatal for callers: valuation degrades to fallbacks, trades report
// the quote as unavailable.
type Provider interface {
	// CurrentPrice returns the latest price for a symbol, or ErrNoQuote.
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// HistoricalDailyCloses returns each symbol's daily closes from the given
	// date onwards. Symbols with no data are simply absent from the result.
	HistoricalDailyCloses(ctx context.Context, symbols []string, from time.Time) (map[string][]Close, error)

	// Search matches symbols by free text.
	Search(ctx context.Context, query string) ([]SearchResult, error)
}
