// Package websearch provides a lightweight web search backend for the model
// tool loop. It scrapes the DuckDuckGo HTML endpoint, which needs no API key
// and returns stable markup.
package websearch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
)

const (
	searchURL  = "https://html.duckduckgo.com/html/"
	userAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
	maxResults = 5
)

// Result is a single search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Client performs web searches.
type Client struct {
	client *http.Client
	log    zerolog.Logger
}

// NewClient creates a web search client.
func NewClient(log zerolog.Logger) *Client {
	return &Client{
		client: &http.Client{Timeout: 15 * time.Second},
		log:    log.With().Str("client", "websearch").Logger(),
	}
}

// Search runs a query and returns up to maxResults hits.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty search query")
	}

	form := url.Values{}
	form.Set("q", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, searchURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse search results: %w", err)
	}

	results := parseResults(doc)

	c.log.Debug().Str("query", query).Int("results", len(results)).Msg("Search completed")
	return results, nil
}

// parseResults extracts hits from the DuckDuckGo HTML result page.
func parseResults(doc *goquery.Document) []Result {
	results := make([]Result, 0, maxResults)

	doc.Find("div.result").Each(func(i int, s *goquery.Selection) {
		if len(results) >= maxResults {
			return
		}

		link := s.Find("a.result__a").First()
		title := strings.TrimSpace(link.Text())
		href, _ := link.Attr("href")
		snippet := strings.TrimSpace(s.Find(".result__snippet").First().Text())

		if title == "" || href == "" {
			return
		}

		results = append(results, Result{
			Title:   title,
			URL:     cleanURL(href),
			Snippet: snippet,
		})
	})

	return results
}

// cleanURL unwraps DuckDuckGo's redirect links, which carry the target in a
// "uddg" query parameter.
func cleanURL(href string) string {
	parsed, err := url.Parse(href)
	if err != nil {
		return href
	}

	if target := parsed.Query().Get("uddg"); target != "" {
		if decoded, err := url.QueryUnescape(target); err == nil {
			return decoded
		}
		return target
	}

	if parsed.Scheme == "" {
		return "https:" + href
	}

	return href
}
