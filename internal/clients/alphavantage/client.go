// Package alphavantage provides an Alpha Vantage API client, used as the
// fallback market data source. The free tier allows 25 requests per day,
// so the client rate-limits itself and caches aggressively.
package alphavantage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aristath/arena/internal/domain"
	"github.com/rs/zerolog"
)

const (
	baseURL       = "https://www.alphavantage.co/query"
	dailyLimit    = 25
	quoteCacheTTL = 15 * time.Minute
)

// ErrRateLimitExceeded is returned when the daily request budget is spent
type ErrRateLimitExceeded struct {
	Limit int
}

func (e ErrRateLimitExceeded) Error() string {
	return fmt.Sprintf("alphavantage daily rate limit of %d requests exceeded", e.Limit)
}

type cacheEntry struct {
	data      interface{}
	expiresAt time.Time
}

// Client is an Alpha Vantage API client
type Client struct {
	apiKey string
	client *http.Client
	log    zerolog.Logger

	mu           sync.Mutex
	requestsUsed int
	counterDay   string
	cache        map[string]cacheEntry
}

// NewClient creates a new Alpha Vantage client
func NewClient(apiKey string, log zerolog.Logger) *Client {
	return &Client{
		apiKey: apiKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		log:        log.With().Str("client", "alphavantage").Logger(),
		counterDay: time.Now().Format("2006-01-02"),
		cache:      make(map[string]cacheEntry),
	}
}

// GetRemainingRequests returns how many requests are left today
func (c *Client) GetRemainingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverLocked()
	return dailyLimit - c.requestsUsed
}

// ResetDailyCounter resets the request counter
func (c *Client) ResetDailyCounter() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestsUsed = 0
	c.counterDay = time.Now().Format("2006-01-02")
}

// checkRateLimit consumes one request from the daily budget
func (c *Client) checkRateLimit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverLocked()
	if c.requestsUsed >= dailyLimit {
		return ErrRateLimitExceeded{Limit: dailyLimit}
	}
	c.requestsUsed++
	return nil
}

// rolloverLocked resets the counter when the calendar day changes
func (c *Client) rolloverLocked() {
	today := time.Now().Format("2006-01-02")
	if c.counterDay != today {
		c.counterDay = today
		c.requestsUsed = 0
	}
}

func (c *Client) setCache(key string, data interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = cacheEntry{data: data, expiresAt: time.Now().Add(ttl)}
}

func (c *Client) getFromCache(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.data, true
}

// ClearCache drops all cached responses
func (c *Client) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]cacheEntry)
}

// GetQuote fetches the current quote for a symbol
func (c *Client) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	cacheKey := "quote:" + symbol
	if cached, ok := c.getFromCache(cacheKey); ok {
		if q, ok := cached.(*domain.Quote); ok {
			return q, nil
		}
	}

	if err := c.checkRateLimit(); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("function", "GLOBAL_QUOTE")
	params.Set("symbol", symbol)
	params.Set("apikey", c.apiKey)

	body, err := c.get(ctx, params)
	if err != nil {
		return nil, err
	}

	var result struct {
		GlobalQuote map[string]string `json:"Global Quote"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse quote response: %w", err)
	}

	priceStr := result.GlobalQuote["05. price"]
	if priceStr == "" {
		return nil, fmt.Errorf("no quote data returned for symbol %s", symbol)
	}

	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil || price <= 0 {
		return nil, fmt.Errorf("invalid price %q for symbol %s", priceStr, symbol)
	}

	changePct := 0.0
	if s := result.GlobalQuote["10. change percent"]; len(s) > 1 {
		if v, err := strconv.ParseFloat(s[:len(s)-1], 64); err == nil {
			changePct = v
		}
	}

	quote := &domain.Quote{
		Symbol:    symbol,
		Price:     price,
		ChangePct: changePct,
		FetchedAt: time.Now(),
		Source:    "alphavantage",
	}

	c.setCache(cacheKey, quote, quoteCacheTTL)
	return quote, nil
}

// GetDailyHistory fetches daily OHLCV bars within [from, to], oldest first
func (c *Client) GetDailyHistory(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
	if err := c.checkRateLimit(); err != nil {
		return nil, err
	}

	outputSize := "compact" // last 100 bars
	if time.Since(from) > 120*24*time.Hour {
		outputSize = "full"
	}

	params := url.Values{}
	params.Set("function", "TIME_SERIES_DAILY")
	params.Set("symbol", symbol)
	params.Set("outputsize", outputSize)
	params.Set("apikey", c.apiKey)

	body, err := c.get(ctx, params)
	if err != nil {
		return nil, err
	}

	var result struct {
		TimeSeries map[string]map[string]string `json:"Time Series (Daily)"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse history response: %w", err)
	}

	if len(result.TimeSeries) == 0 {
		return nil, fmt.Errorf("no historical data returned for symbol %s", symbol)
	}

	fromStr := from.Format("2006-01-02")
	toStr := to.Format("2006-01-02")

	bars := make([]domain.Bar, 0, len(result.TimeSeries))
	for date, values := range result.TimeSeries {
		if date < fromStr || date > toStr {
			continue
		}
		bar := domain.Bar{Date: date}
		bar.Open, _ = strconv.ParseFloat(values["1. open"], 64)
		bar.High, _ = strconv.ParseFloat(values["2. high"], 64)
		bar.Low, _ = strconv.ParseFloat(values["3. low"], 64)
		bar.Close, _ = strconv.ParseFloat(values["4. close"], 64)
		bar.Volume, _ = strconv.ParseInt(values["5. volume"], 10, 64)
		if bar.Close <= 0 {
			continue
		}
		bars = append(bars, bar)
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Date < bars[j].Date })

	c.log.Debug().
		Str("symbol", symbol).
		Int("count", len(bars)).
		Msg("Fetched historical prices")

	return bars, nil
}

func (c *Client) get(ctx context.Context, params url.Values) ([]byte, error) {
	reqURL := baseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from alphavantage: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("alphavantage API returned status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
