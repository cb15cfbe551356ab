// Package feed talks to the upstream news sources: the Hacker News
// Algolia search API for paged story listings and the Firebase item API
// for discussion context, plus generic article-body fetching.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Item is one story returned by the feed, already normalised to the
// triage domain: ExternalID is stable and globally unique, CreatedAt is
// unix seconds.
type Item struct {
	ExternalID string
	Title      string
	URL        string
	CreatedAt  int64
}

// HNClient queries the Hacker News Algolia API. Pages come back sorted
// newest-to-oldest by creation time, which the ingestion early-stop
// rule depends on.
type HNClient struct {
	baseURL    string
	query      string
	httpClient *http.Client
}

// NewHNClient constructs a feed client. query is the broad Algolia
// search term; title filtering happens downstream in the engine.
func NewHNClient(baseURL, query string, timeout time.Duration) *HNClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HNClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		query:      query,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type algoliaHit struct {
	ObjectID  string `json:"objectID"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	CreatedAt int64  `json:"created_at_i"`
}

// SearchByDate fetches one page of stories, newest first.
func (c *HNClient) SearchByDate(ctx context.Context, page, hitsPerPage int) ([]Item, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("feed base URL not configured")
	}

	params := url.Values{}
	params.Set("query", c.query)
	params.Set("tags", "story")
	params.Set("page", strconv.Itoa(page))
	params.Set("hitsPerPage", strconv.Itoa(hitsPerPage))

	endpoint := c.baseURL + "/search_by_date?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed fetch page %d: %w", page, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed fetch page %d: status %d", page, resp.StatusCode)
	}

	var payload struct {
		Hits []algoliaHit `json:"hits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode feed page %d: %w", page, err)
	}

	items := make([]Item, 0, len(payload.Hits))
	for _, hit := range payload.Hits {
		if hit.ObjectID == "" {
			continue
		}
		link := hit.URL
		if link == "" {
			link = "https://news.ycombinator.com/item?id=" + hit.ObjectID
		}
		items = append(items, Item{
			ExternalID: "hn_" + hit.ObjectID,
			Title:      hit.Title,
			URL:        link,
			CreatedAt:  hit.CreatedAt,
		})
	}
	return items, nil
}
