package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const duckDuckGoAPI = "https://api.duckduckgo.com/"

// SearchWeb queries the DuckDuckGo instant-answer API.
type SearchWeb struct {
	client   *http.Client
	endpoint string
}

// NewSearchWeb returns the search_web tool.
func NewSearchWeb() *SearchWeb {
	return &SearchWeb{
		client:   &http.Client{Timeout: 15 * time.Second},
		endpoint: duckDuckGoAPI,
	}
}

func (t *SearchWeb) Name() string { return "search_web" }
func (t *SearchWeb) Risk() Risk   { return RiskLow }

func (t *SearchWeb) Schema() string {
	return `{
		"type": "object",
		"properties": {
			"query": {"type": "string", "minLength": 2, "maxLength": 300},
			"max_results": {"type": "integer", "minimum": 1, "maximum": 10, "default": 5},
			"allowed_domains": {
				"type": ["array", "null"],
				"maxItems": 20,
				"items": {"type": "string"}
			}
		},
		"required": ["query"],
		"additionalProperties": false
	}`
}

type searchResult struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

func (t *SearchWeb) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	var params struct {
		Query          string   `json:"query"`
		MaxResults     int      `json:"max_results"`
		AllowedDomains []string `json:"allowed_domains"`
	}
	if err := decodeInput(input, &params); err != nil {
		return nil, err
	}
	if params.MaxResults <= 0 {
		params.MaxResults = 5
	}

	q := url.Values{}
	q.Set("q", params.Query)
	q.Set("format", "json")
	q.Set("no_html", "1")
	q.Set("no_redirect", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search_web: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search_web: status %d", resp.StatusCode)
	}

	var body struct {
		AbstractURL   string          `json:"AbstractURL"`
		AbstractText  string          `json:"AbstractText"`
		RelatedTopics json.RawMessage `json:"RelatedTopics"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("search_web: decode: %w", err)
	}

	results := collectTopics(body.RelatedTopics, params.AllowedDomains, params.MaxResults)
	if len(results) < params.MaxResults &&
		body.AbstractURL != "" && body.AbstractText != "" &&
		domainAllowed(body.AbstractURL, params.AllowedDomains) {
		results = append(results, searchResult{Title: body.AbstractText, URL: body.AbstractURL})
	}
	if results == nil {
		results = []searchResult{}
	}

	out := make([]any, len(results))
	for i, r := range results {
		out[i] = map[string]any{"title": r.Title, "url": r.URL}
	}
	return map[string]any{"query": params.Query, "results": out}, nil
}

// collectTopics walks the RelatedTopics array, descending into grouped
// topic buckets, until maxResults allowed links are gathered.
func collectTopics(raw json.RawMessage, allowed []string, maxResults int) []searchResult {
	type topic struct {
		FirstURL string          `json:"FirstURL"`
		Text     string          `json:"Text"`
		Topics   json.RawMessage `json:"Topics"`
	}
	var items []topic
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}

	var results []searchResult
	var add func(t topic) bool
	add = func(t topic) bool {
		if len(t.Topics) > 0 && string(t.Topics) != "null" {
			var nested []topic
			if err := json.Unmarshal(t.Topics, &nested); err == nil {
				for _, n := range nested {
					if add(n) {
						return true
					}
				}
			}
			return false
		}
		if t.FirstURL == "" || t.Text == "" || !domainAllowed(t.FirstURL, allowed) {
			return false
		}
		results = append(results, searchResult{Title: t.Text, URL: t.FirstURL})
		return len(results) >= maxResults
	}
	for _, item := range items {
		if add(item) {
			break
		}
	}
	return results
}

func domainAllowed(rawURL string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.Trim(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return false
	}
	for _, d := range allowed {
		d = strings.Trim(strings.ToLower(strings.TrimSpace(d)), ".")
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
