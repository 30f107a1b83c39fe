// Package fmp provides a Financial Modeling Prep API client, the primary
// market data source.
package fmp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/aristath/arena/internal/domain"
	"github.com/rs/zerolog"
)

const baseURL = "https://financialmodelingprep.com/api/v3"

// Client is a Financial Modeling Prep API client
type Client struct {
	apiKey string
	client *http.Client
	log    zerolog.Logger
}

// NewClient creates a new FMP client
func NewClient(apiKey string, log zerolog.Logger) *Client {
	return &Client{
		apiKey: apiKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.With().Str("client", "fmp").Logger(),
	}
}

type quoteResponse struct {
	Symbol            string  `json:"symbol"`
	Price             float64 `json:"price"`
	ChangesPercentage float64 `json:"changesPercentage"`
	Open              float64 `json:"open"`
	DayHigh           float64 `json:"dayHigh"`
	DayLow            float64 `json:"dayLow"`
	Volume            int64   `json:"volume"`
}

// GetQuote fetches the current quote for a symbol
func (c *Client) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	reqURL := fmt.Sprintf("%s/quote/%s?apikey=%s", baseURL, url.PathEscape(symbol), c.apiKey)

	body, err := c.get(ctx, reqURL)
	if err != nil {
		return nil, err
	}

	var quotes []quoteResponse
	if err := json.Unmarshal(body, &quotes); err != nil {
		return nil, fmt.Errorf("failed to parse quote response: %w", err)
	}

	if len(quotes) == 0 {
		return nil, fmt.Errorf("no quote data returned for symbol %s", symbol)
	}

	q := quotes[0]
	if q.Price <= 0 {
		return nil, fmt.Errorf("invalid price %f for symbol %s", q.Price, symbol)
	}

	return &domain.Quote{
		Symbol:    symbol,
		Price:     q.Price,
		ChangePct: q.ChangesPercentage,
		FetchedAt: time.Now(),
		Source:    "fmp",
	}, nil
}

type historicalResponse struct {
	Symbol     string `json:"symbol"`
	Historical []struct {
		Date   string  `json:"date"`
		Open   float64 `json:"open"`
		High   float64 `json:"high"`
		Low    float64 `json:"low"`
		Close  float64 `json:"close"`
		Volume int64   `json:"volume"`
	} `json:"historical"`
}

// GetDailyHistory fetches daily OHLCV bars within [from, to], oldest first
func (c *Client) GetDailyHistory(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
	reqURL := fmt.Sprintf("%s/historical-price-full/%s?from=%s&to=%s&apikey=%s",
		baseURL, url.PathEscape(symbol),
		from.Format("2006-01-02"), to.Format("2006-01-02"), c.apiKey)

	body, err := c.get(ctx, reqURL)
	if err != nil {
		return nil, err
	}

	var result historicalResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse historical response: %w", err)
	}

	bars := make([]domain.Bar, 0, len(result.Historical))
	for _, h := range result.Historical {
		if h.Close <= 0 {
			continue
		}
		bars = append(bars, domain.Bar{
			Date:   h.Date,
			Open:   h.Open,
			High:   h.High,
			Low:    h.Low,
			Close:  h.Close,
			Volume: h.Volume,
		})
	}

	// FMP returns newest first
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date < bars[j].Date })

	c.log.Debug().
		Str("symbol", symbol).
		Int("count", len(bars)).
		Msg("Fetched historical prices")

	return bars, nil
}

func (c *Client) get(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from FMP: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("FMP API returned status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
