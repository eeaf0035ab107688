package prices

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/folio-api/internal/marketdata"
	"github.com/ksred/folio-api/internal/types"
)

// QuoteTTL is how long a fetched price is served without a new fetch.
const QuoteTTL = 300 * time.Second

type cachedQuote struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// Cache is a process-local read-through price cache. It is read-mostly and
// safe for concurrent use; a stale read within the TTL window is acceptable,
// a wrong one is not. Entries are never persisted.
type Cache struct {
	provider marketdata.Provider
	quotes   *gocache.Cache

	// now is injectable so staleness can be tested with a fake clock
	now func() time.Time
}

// NewCache creates a price cache over the given provider
func NewCache(provider marketdata.Provider) *Cache {
	return &Cache{
		provider: provider,
		quotes:   gocache.New(QuoteTTL, 10*time.Minute),
		now:      time.Now,
	}
}

// CurrentPrice returns the symbol's current price, serving a cached value
// younger than the TTL without a new fetch.
func (c *Cache) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if entry, ok := c.quotes.Get(symbol); ok {
		quote := entry.(cachedQuote)
		if c.now().Sub(quote.fetchedAt) < QuoteTTL {
			return quote.price, nil
		}
	}

	price, err := c.provider.CurrentPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s", types.ErrQuoteUnavailable, symbol)
	}

	c.quotes.Set(symbol, cachedQuote{price: price, fetchedAt: c.now()}, QuoteTTL)
	return price, nil
}

// CurrentPrices resolves prices for a batch of symbols. A symbol whose quote
// cannot be obtained degrades to its caller-supplied fallback (typically the
// lot's average cost) instead of failing the batch: valuation must always
// produce something usable.
func (c *Cache) CurrentPrices(ctx context.Context, symbols []string, fallbacks map[string]decimal.Decimal) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal, len(symbols))
	for _, symbol := range symbols {
		price, err := c.CurrentPrice(ctx, symbol)
		if err != nil {
			fallback := fallbacks[symbol]
			log.Debug().
				Str("component", "prices").
				Str("symbol", symbol).
				Str("fallback", fallback.String()).
				Msg("quote unavailable, using fallback for valuation")
			prices[symbol] = fallback
			continue
		}
		prices[symbol] = price
	}
	return prices
}

// HistoricalCloses returns each symbol's daily closes over the complete
// calendar range [from, to], forward-filled then backward-filled so every
// day has a defined price even across weekends and holidays. Symbols the
// provider has no data for are absent from the result.
func (c *Cache) HistoricalCloses(ctx context.Context, symbols []string, from, to time.Time) (map[string]map[string]decimal.Decimal, error) {
	series, err := c.provider.HistoricalDailyCloses(ctx, symbols, from)
	if err != nil {
		return nil, fmt.Errorf("historical close fetch failed: %w", err)
	}

	days := calendarDays(from, to)
	filled := make(map[string]map[string]decimal.Decimal, len(series))
	for symbol, closes := range series {
		raw := make(map[string]decimal.Decimal, len(closes))
		for _, cl := range closes {
			raw[DayKey(cl.Date)] = cl.Price
		}
		filled[symbol] = fillCalendarDays(raw, days)
	}
	return filled, nil
}

// Search passes a free-text symbol search through to the provider.
func (c *Cache) Search(ctx context.Context, query string) ([]marketdata.SearchResult, error) {
	return c.provider.Search(ctx, query)
}
