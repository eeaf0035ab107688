package prices

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/folio-api/internal/marketdata"
	"github.com/ksred/folio-api/internal/types"
)

type stubProvider struct {
	mu          sync.Mutex
	prices      map[string]decimal.Decimal
	closes      map[string][]marketdata.Close
	quoteCalls  int
	searchCalls int
}

func (p *stubProvider) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quoteCalls++
	price, ok := p.prices[symbol]
	if !ok {
		return decimal.Zero, marketdata.ErrNoQuote
	}
	return price, nil
}

func (p *stubProvider) HistoricalDailyCloses(ctx context.Context, symbols []string, from time.Time) (map[string][]marketdata.Close, error) {
	return p.closes, nil
}

func (p *stubProvider) Search(ctx context.Context, query string) ([]marketdata.SearchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.searchCalls++
	return []marketdata.SearchResult{{Symbol: "AAPL", ShortName: "Apple Inc."}}, nil
}

func (p *stubProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quoteCalls
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCurrentPriceServedWithinTTL(t *testing.T) {
	provider := &stubProvider{prices: map[string]decimal.Decimal{"AAPL": dec("150")}}
	cache := NewCache(provider)

	base := time.Now()
	clock := base
	cache.now = func() time.Time { return clock }

	price, err := cache.CurrentPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, price.Equal(dec("150")))
	assert.Equal(t, 1, provider.calls())

	// Within the TTL the cached value is served, even if upstream moved
	provider.mu.Lock()
	provider.prices["AAPL"] = dec("175")
	provider.mu.Unlock()

	clock = base.Add(QuoteTTL - time.Second)
	price, err = cache.CurrentPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, price.Equal(dec("150")))
	assert.Equal(t, 1, provider.calls())

	// Past the TTL the entry is stale and a fresh quote is fetched
	clock = base.Add(QuoteTTL + time.Second)
	price, err = cache.CurrentPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, price.Equal(dec("175")))
	assert.Equal(t, 2, provider.calls())
}

func TestCurrentPriceUnavailable(t *testing.T) {
	cache := NewCache(&stubProvider{})

	_, err := cache.CurrentPrice(context.Background(), "UNKNOWN")
	assert.True(t, errors.Is(err, types.ErrQuoteUnavailable))
}

func TestCurrentPricesBatchFallback(t *testing.T) {
	provider := &stubProvider{prices: map[string]decimal.Decimal{"AAPL": dec("150")}}
	cache := NewCache(provider)

	fallbacks := map[string]decimal.Decimal{
		"AAPL": dec("1"),
		"MSFT": dec("55"),
	}
	result := cache.CurrentPrices(context.Background(), []string{"AAPL", "MSFT"}, fallbacks)

	// A live quote wins over its fallback; a missing one degrades per symbol
	assert.True(t, result["AAPL"].Equal(dec("150")))
	assert.True(t, result["MSFT"].Equal(dec("55")))
}

func TestCurrentPricesNoFallbacks(t *testing.T) {
	cache := NewCache(&stubProvider{})

	result := cache.CurrentPrices(context.Background(), []string{"MSFT"}, nil)
	assert.True(t, result["MSFT"].IsZero())
}

func TestHistoricalClosesGapFilled(t *testing.T) {
	// Friday and Monday prints with a weekend hole between them
	provider := &stubProvider{closes: map[string][]marketdata.Close{
		"AAPL": {
			{Date: time.Date(2024, 3, 1, 21, 0, 0, 0, time.UTC), Price: dec("100")},
			{Date: time.Date(2024, 3, 4, 21, 0, 0, 0, time.UTC), Price: dec("103")},
		},
	}}
	cache := NewCache(provider)

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

	filled, err := cache.HistoricalCloses(context.Background(), []string{"AAPL"}, from, to)
	require.NoError(t, err)

	series := filled["AAPL"]
	require.Len(t, series, 4)
	assert.True(t, series["2024-03-01"].Equal(dec("100")))
	assert.True(t, series["2024-03-02"].Equal(dec("100")))
	assert.True(t, series["2024-03-03"].Equal(dec("100")))
	assert.True(t, series["2024-03-04"].Equal(dec("103")))
}

func TestSearchPassthrough(t *testing.T) {
	provider := &stubProvider{}
	cache := NewCache(provider)

	results, err := cache.Search(context.Background(), "apple")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "AAPL", results[0].Symbol)
}
