// Package market fetches stock prices and OHLCV history from a
// polygon-style aggregates API.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoData is returned when the provider has no results for a ticker.
var ErrNoData = errors.New("market: no data for ticker")

const quoteTTL = 60 * time.Second

// Quote is the current price of a ticker with its daily percent change.
type Quote struct {
	Ticker        string          `json:"ticker"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	ChangePercent decimal.Decimal `json:"change_percent"`
}

// NewsItem is one company news article.
type NewsItem struct {
	Title       string `json:"title"`
	Link        string `json:"link"`
	Publisher   string `json:"publisher"`
	PublishedAt string `json:"published_at"`
}

// newsArticle is the finnhub-style company-news payload item.
type newsArticle struct {
	Headline string `json:"headline"`
	URL      string `json:"url"`
	Source   string `json:"source"`
	Datetime int64  `json:"datetime"`
}

// Bar is one day of OHLCV history.
type Bar struct {
	Date   string          `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// aggsResponse is the provider's aggregate envelope.
type aggsResponse struct {
	Results []struct {
		Open   decimal.Decimal `json:"o"`
		High   decimal.Decimal `json:"h"`
		Low    decimal.Decimal `json:"l"`
		Close  decimal.Decimal `json:"c"`
		Volume decimal.Decimal `json:"v"`
		Time   int64           `json:"t"`
	} `json:"results"`
}

type tickerResponse struct {
	Results struct {
		Name string `json:"name"`
	} `json:"results"`
}

type cachedQuote struct {
	quote   Quote
	fetched time.Time
}

// Client talks to the market data provider. Quotes are cached for a minute
// so portfolio valuation does not hammer the API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client

	// Company news comes from a separate finnhub-style provider.
	newsURL string
	newsKey string

	mu    sync.Mutex
	cache map[string]cachedQuote
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
		cache:   make(map[string]cachedQuote),
	}
}

// SetNewsSource configures the company-news provider. Without it News
// returns an error.
func (c *Client) SetNewsSource(baseURL, apiKey string) {
	c.newsURL = baseURL
	c.newsKey = apiKey
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("apiKey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("market: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("market: %s: status %d", endpoint, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Quote returns the latest price and daily change for a ticker, serving from
// the cache when the entry is under a minute old.
func (c *Client) Quote(ctx context.Context, ticker string) (Quote, error) {
	c.mu.Lock()
	if entry, ok := c.cache[ticker]; ok && time.Since(entry.fetched) < quoteTTL {
		c.mu.Unlock()
		return entry.quote, nil
	}
	c.mu.Unlock()

	quote, err := c.fetchQuote(ctx, ticker)
	if err != nil {
		return Quote{}, err
	}

	c.mu.Lock()
	c.cache[ticker] = cachedQuote{quote: quote, fetched: time.Now()}
	c.mu.Unlock()
	return quote, nil
}

func (c *Client) fetchQuote(ctx context.Context, ticker string) (Quote, error) {
	// Company name is cosmetic; fall back to the ticker on error.
	name := ticker
	var info tickerResponse
	if err := c.get(ctx, "/v3/reference/tickers/"+ticker, nil, &info); err == nil && info.Results.Name != "" {
		name = info.Results.Name
	}

	var prev aggsResponse
	if err := c.get(ctx, "/v2/aggs/ticker/"+ticker+"/prev", nil, &prev); err != nil {
		return Quote{}, err
	}
	if len(prev.Results) == 0 {
		return Quote{}, fmt.Errorf("%w: %s", ErrNoData, ticker)
	}
	prevClose := prev.Results[0].Close

	// Latest intraday minute bar; the previous close stands in when the
	// market has not traded today.
	price := prevClose
	now := time.Now()
	endpoint := fmt.Sprintf("/v2/aggs/ticker/%s/range/1/minute/%s/%s",
		ticker, now.AddDate(0, 0, -1).Format("2006-01-02"), now.Format("2006-01-02"))
	var intraday aggsResponse
	err := c.get(ctx, endpoint, url.Values{"sort": {"desc"}, "limit": {"1"}}, &intraday)
	if err == nil && len(intraday.Results) > 0 {
		price = intraday.Results[0].Close
	}

	change := decimal.Zero
	if prevClose.IsPositive() {
		change = price.Sub(prevClose).Div(prevClose).Mul(decimal.NewFromInt(100))
	}

	return Quote{
		Ticker:        ticker,
		Name:          name,
		Price:         price.Round(2),
		ChangePercent: change.Round(2),
	}, nil
}

// History returns daily OHLCV bars for the last days calendar days, oldest
// first.
func (c *Client) History(ctx context.Context, ticker string, days int) ([]Bar, error) {
	if days <= 0 {
		days = 30
	}
	now := time.Now()
	endpoint := fmt.Sprintf("/v2/aggs/ticker/%s/range/1/day/%s/%s",
		ticker, now.AddDate(0, 0, -days).Format("2006-01-02"), now.Format("2006-01-02"))

	var resp aggsResponse
	if err := c.get(ctx, endpoint, url.Values{"sort": {"asc"}}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoData, ticker)
	}

	bars := make([]Bar, len(resp.Results))
	for i, r := range resp.Results {
		bars[i] = Bar{
			Date:   time.UnixMilli(r.Time).Format("2006-01-02"),
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: r.Volume,
		}
	}
	return bars, nil
}

// News returns company news for the last 7 days. Articles without a
// headline or link are dropped; a ticker with no remaining articles is
// ErrNoData.
func (c *Client) News(ctx context.Context, ticker string) ([]NewsItem, error) {
	if c.newsKey == "" {
		return nil, errors.New("market: news source not configured")
	}

	now := time.Now()
	params := url.Values{
		"symbol": {ticker},
		"from":   {now.AddDate(0, 0, -7).Format("2006-01-02")},
		"to":     {now.Format("2006-01-02")},
		"token":  {c.newsKey},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.newsURL+"/company-news?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("market: company news: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("market: company news: status %d", resp.StatusCode)
	}

	var articles []newsArticle
	if err := json.NewDecoder(resp.Body).Decode(&articles); err != nil {
		return nil, err
	}

	items := make([]NewsItem, 0, len(articles))
	for _, a := range articles {
		if a.Headline == "" || a.URL == "" {
			continue
		}
		published := ""
		if a.Datetime > 0 {
			published = time.Unix(a.Datetime, 0).Format("2006-01-02 15:04:05")
		}
		items = append(items, NewsItem{
			Title:       a.Headline,
			Link:        a.URL,
			Publisher:   a.Source,
			PublishedAt: published,
		})
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoData, ticker)
	}
	return items, nil
}
