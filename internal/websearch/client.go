// Package websearch answers the agent's web_search and url_scrape requests.
// Search goes through Brave's web search API; scraping fetches the page
// directly and reduces it to readable text.
package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	braveWebSearchEndpoint = "https://api.search.brave.com/res/v1/web/search"
	maxBodyBytes           = 2 << 20
)

type Options struct {
	Provider string
	APIKey   string

	// SearchEndpoint overrides the provider endpoint, used in tests.
	SearchEndpoint string
	HTTPClient     *http.Client
}

type Client struct {
	provider string
	apiKey   string
	endpoint string
	http     *http.Client
}

func New(opts Options) (*Client, error) {
	provider := strings.TrimSpace(strings.ToLower(opts.Provider))
	if provider == "" {
		provider = ProviderBrave
	}
	if provider != ProviderBrave {
		return nil, fmt.Errorf("unsupported web search provider %q", provider)
	}
	endpoint := strings.TrimSpace(opts.SearchEndpoint)
	if endpoint == "" {
		endpoint = braveWebSearchEndpoint
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		provider: provider,
		apiKey:   strings.TrimSpace(opts.APIKey),
		endpoint: endpoint,
		http:     httpClient,
	}, nil
}

type braveWebSearchResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (c *Client) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.apiKey == "" {
		return SearchResult{}, errors.New("missing web search api key")
	}
	req = req.Normalize()
	if req.Query == "" {
		return SearchResult{}, errors.New("missing query")
	}

	endpoint, err := url.Parse(c.endpoint)
	if err != nil || endpoint == nil {
		return SearchResult{}, errors.New("invalid search endpoint")
	}
	q := endpoint.Query()
	q.Set("q", req.Query)
	q.Set("count", strconv.Itoa(req.Count))
	endpoint.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return SearchResult{}, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Subscription-Token", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return SearchResult{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return SearchResult{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("web search failed (status %d)", resp.StatusCode)
		}
		return SearchResult{}, errors.New(msg)
	}

	var decoded braveWebSearchResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return SearchResult{}, errors.New("invalid web search response")
	}

	results := make([]ResultItem, 0, len(decoded.Web.Results))
	for _, item := range decoded.Web.Results {
		u := strings.TrimSpace(item.URL)
		if u == "" {
			continue
		}
		title := strings.TrimSpace(item.Title)
		if title == "" {
			title = u
		}
		results = append(results, ResultItem{
			Title:   title,
			URL:     u,
			Snippet: strings.TrimSpace(item.Description),
		})
	}

	return SearchResult{
		Provider: c.provider,
		Query:    req.Query,
		Results:  results,
	}, nil
}
