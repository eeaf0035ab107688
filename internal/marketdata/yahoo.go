package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	defaultChartURL  = "https://query1.finance.yahoo.com/v8/finance/chart"
	defaultSearchURL = "https://query1.finance.yahoo.com/v1/finance/search"

	// The chart API blocks default Go user agents
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
)

// YahooClient implements Provider against the public Yahoo chart and search
// endpoints. Every call is bounded by the HTTP client timeout so callers
// never hang on the external dependency.
type YahooClient struct {
	client    *http.Client
	chartURL  string
	searchURL string
}

// NewYahooClient creates a market data client with a bounded request timeout
func NewYahooClient() *YahooClient {
	return &YahooClient{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		chartURL:  defaultChartURL,
		searchURL: defaultSearchURL,
	}
}

type chartResult struct {
	Meta       map[string]interface{} `json:"meta"`
	Timestamp  []int64                `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Close []*float64 `json:"close"`
		} `json:"quote"`
	} `json:"indicators"`
}

type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  interface{}   `json:"error"`
	} `json:"chart"`
}

type searchResponse struct {
	Quotes []struct {
		Symbol    string `json:"symbol"`
		ShortName string `json:"shortname"`
		LongName  string `json:"longname"`
		Exchange  string `json:"exchange"`
		QuoteType string `json:"quoteType"`
	} `json:"quotes"`
}

// CurrentPrice fetches the latest quote for a symbol
func (y *YahooClient) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	logger := log.With().
		Str("component", "marketdata").
		Str("symbol", symbol).
		Logger()

	chart, err := y.fetchChart(ctx, symbol, time.Time{})
	if err != nil {
		logger.Warn().Err(err).Msg("quote fetch failed")
		return decimal.Zero, fmt.Errorf("%w: %v", ErrNoQuote, err)
	}

	price, extractor, ok := ExtractQuotePrice(chart.Meta)
	if !ok {
		logger.Warn().Msg("no extractable price in quote payload")
		return decimal.Zero, ErrNoQuote
	}

	logger.Debug().
		Str("extractor", extractor).
		Str("price", price.String()).
		Msg("quote extracted")

	return price, nil
}

// HistoricalDailyCloses fetches daily closes for each symbol from the given
// date onwards. Per-symbol failures drop the symbol from the result rather
// than failing the whole call.
func (y *YahooClient) HistoricalDailyCloses(ctx context.Context, symbols []string, from time.Time) (map[string][]Close, error) {
	logger := log.With().
		Str("component", "marketdata").
		Time("from", from).
		Int("symbols", len(symbols)).
		Logger()

	series := make(map[string][]Close, len(symbols))
	for _, symbol := range symbols {
		chart, err := y.fetchChart(ctx, symbol, from)
		if err != nil {
			logger.Warn().Err(err).Str("symbol", symbol).Msg("historical fetch failed, skipping symbol")
			continue
		}

		if len(chart.Indicators.Quote) == 0 {
			continue
		}

		closes := chart.Indicators.Quote[0].Close
		var points []Close
		for i, ts := range chart.Timestamp {
			if i >= len(closes) || closes[i] == nil {
				continue
			}
			points = append(points, Close{
				Date:  time.Unix(ts, 0).UTC(),
				Price: decimal.NewFromFloat(*closes[i]),
			})
		}
		if len(points) > 0 {
			series[symbol] = points
		}
	}

	logger.Debug().Int("symbols_with_data", len(series)).Msg("historical closes fetched")
	return series, nil
}

// Search matches symbols by free text
func (y *YahooClient) Search(ctx context.Context, query string) ([]SearchResult, error) {
	u := fmt.Sprintf("%s?q=%s&quotesCount=10&newsCount=0", y.searchURL, url.QueryEscape(query))

	var resp searchResponse
	if err := y.getJSON(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("symbol search failed: %w", err)
	}

	results := make([]SearchResult, 0, len(resp.Quotes))
	for _, q := range resp.Quotes {
		if q.Symbol == "" {
			continue
		}
		results = append(results, SearchResult{
			Symbol:    q.Symbol,
			ShortName: q.ShortName,
			LongName:  q.LongName,
			Exchange:  q.Exchange,
			QuoteType: q.QuoteType,
		})
	}
	return results, nil
}

// fetchChart fetches one symbol's chart. A zero from time requests a single
// day for quote extraction; otherwise the range runs from the date to now.
func (y *YahooClient) fetchChart(ctx context.Context, symbol string, from time.Time) (*chartResult, error) {
	u := fmt.Sprintf("%s/%s?interval=1d", y.chartURL, url.PathEscape(symbol))
	if from.IsZero() {
		u += "&range=1d"
	} else {
		u += fmt.Sprintf("&period1=%d&period2=%d", from.Unix(), time.Now().Unix())
	}

	var resp chartResponse
	if err := y.getJSON(ctx, u, &resp); err != nil {
		return nil, err
	}

	if resp.Chart.Error != nil {
		return nil, fmt.Errorf("chart API error for %s: %v", symbol, resp.Chart.Error)
	}
	if len(resp.Chart.Result) == 0 {
		return nil, fmt.Errorf("empty chart result for %s", symbol)
	}

	return &resp.Chart.Result[0], nil
}

func (y *YahooClient) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := y.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
