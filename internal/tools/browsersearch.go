package tools

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/chromedp/chromedp"
)

// BrowserSearch drives a headless browser through a Google results page
// and extracts outbound links. Heavier than search_web but works for
// queries the instant-answer API returns nothing for.
type BrowserSearch struct {
	// fetchAnchors overrides the browser round-trip in tests.
	fetchAnchors func(ctx context.Context, queryURL string, headless bool) ([]anchor, error)
}

type anchor struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

// NewBrowserSearch returns the browser_search tool.
func NewBrowserSearch() *BrowserSearch {
	return &BrowserSearch{fetchAnchors: fetchAnchorsChromedp}
}

func (t *BrowserSearch) Name() string { return "browser_search" }
func (t *BrowserSearch) Risk() Risk   { return RiskMedium }

func (t *BrowserSearch) Schema() string {
	return `{
		"type": "object",
		"properties": {
			"query": {"type": "string", "minLength": 2, "maxLength": 300},
			"max_results": {"type": "integer", "minimum": 1, "maximum": 10, "default": 5},
			"headless": {"type": "boolean", "default": true}
		},
		"required": ["query"],
		"additionalProperties": false
	}`
}

func (t *BrowserSearch) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	params := struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
		Headless   *bool  `json:"headless"`
	}{}
	if err := decodeInput(input, &params); err != nil {
		return nil, err
	}
	if params.MaxResults <= 0 {
		params.MaxResults = 5
	}
	headless := params.Headless == nil || *params.Headless

	normalized := NormalizeSearchQuery(params.Query)
	queryURL := fmt.Sprintf(
		"https://www.google.com/search?q=%s&num=%d&hl=en&pws=0&safe=active",
		url.QueryEscape(normalized), params.MaxResults)

	anchors, err := t.fetchAnchors(ctx, queryURL, headless)
	if err != nil {
		return nil, fmt.Errorf("browser_search: %w", err)
	}

	results := make([]any, 0, params.MaxResults)
	seen := make(map[string]bool)
	for _, a := range anchors {
		target := extractTargetURL(a.Href)
		if target == "" || seen[target] {
			continue
		}
		host := strings.ToLower(hostnameOf(target))
		if strings.HasSuffix(host, "google.com") || strings.HasSuffix(host, "googleusercontent.com") {
			continue
		}
		seen[target] = true
		title := strings.TrimSpace(a.Text)
		if title == "" {
			title = host
		}
		if title == "" {
			title = target
		}
		results = append(results, map[string]any{"title": title, "url": target})
		if len(results) >= params.MaxResults {
			break
		}
	}

	return map[string]any{
		"query":            params.Query,
		"normalized_query": normalized,
		"engine":           "google",
		"results":          results,
	}, nil
}

// NormalizeSearchQuery strips imperative wrappers ("open", "find", ...) and
// profile phrasing so the search engine sees the bare subject.
func NormalizeSearchQuery(query string) string {
	q := strings.TrimSpace(query)
	lowered := strings.ToLower(q)
	for _, p := range []string{
		"open ", "find ", "search ", "look up ",
		"please open ", "please find ", "please search ",
	} {
		if strings.HasPrefix(lowered, p) {
			q = strings.TrimSpace(q[len(p):])
			break
		}
	}
	q = strings.ReplaceAll(q, "'s linkedin", " linkedin")
	q = strings.ReplaceAll(q, " profile", " ")
	return strings.Join(strings.Fields(q), " ")
}

// extractTargetURL resolves a result-page href to the outbound URL, or ""
// when the href does not lead off-page.
func extractTargetURL(href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "/url?") {
		u, err := url.Parse(href)
		if err != nil {
			return ""
		}
		if q := u.Query().Get("q"); strings.HasPrefix(q, "http") {
			return q
		}
		return ""
	}
	base, _ := url.Parse("https://www.google.com")
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	absolute := base.ResolveReference(ref).String()
	if strings.HasPrefix(absolute, "http") {
		return absolute
	}
	return ""
}

func hostnameOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

const collectAnchorsJS = `Array.from(document.querySelectorAll("a")).map(a => ({href: a.getAttribute("href") || "", text: a.innerText || ""}))`

func fetchAnchorsChromedp(ctx context.Context, queryURL string, headless bool) ([]anchor, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	var anchors []anchor
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(queryURL),
		chromedp.WaitReady("body"),
		chromedp.Evaluate(collectAnchorsJS, &anchors),
	)
	if err != nil {
		return nil, err
	}
	return anchors, nil
}
