package marketdata

import "github.com/shopspring/decimal"

// Upstream quote payloads carry the price under several possible keys
// depending on instrument type and market session. Extraction is an ordered
// list of named extractors tried in sequence so the precedence rule stays
// auditable and testable on its own.

// QuoteExtractor pulls a price out of a quote metadata payload.
type QuoteExtractor struct {
	Name    string
	Extract func(meta map[string]interface{}) (decimal.Decimal, bool)
}

func metaKey(key string) func(map[string]interface{}) (decimal.Decimal, bool) {
	return func(meta map[string]interface{}) (decimal.Decimal, bool) {
		v, ok := meta[key]
		if !ok {
			return decimal.Zero, false
		}
		f, ok := v.(float64)
		if !ok || f <= 0 {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(f), true
	}
}

// quoteExtractors in precedence order: live market price first, then the
// instrument's reported current price, then the previous close as a last
// resort when the market has not printed yet.
var quoteExtractors = []QuoteExtractor{
	{Name: "regular_market_price", Extract: metaKey("regularMarketPrice")},
	{Name: "current_price", Extract: metaKey("currentPrice")},
	{Name: "chart_previous_close", Extract: metaKey("chartPreviousClose")},
	{Name: "previous_close", Extract: metaKey("previousClose")},
}

// ExtractQuotePrice returns the first extractable price and the name of the
// extractor that produced it.
func ExtractQuotePrice(meta map[string]interface{}) (decimal.Decimal, string, bool) {
	for _, e := range quoteExtractors {
		if price, ok := e.Extract(meta); ok {
			return price, e.Name, true
		}
	}
	return decimal.Zero, "", false
}
