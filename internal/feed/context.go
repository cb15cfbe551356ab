package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"
)

var hnIDPattern = regexp.MustCompile(`^hn_(\d+)$`)

// ParseHNExternalID extracts the numeric Hacker News item id from a
// triage external id ("hn_123" → 123).
func ParseHNExternalID(externalID string) (int64, bool) {
	m := hnIDPattern.FindStringSubmatch(strings.TrimSpace(externalID))
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// DiscussionContext is the fallback LLM input assembled from a Hacker
// News post and its top comments when the linked article itself cannot
// be fetched.
type DiscussionContext struct {
	HNID     int64
	Title    string
	URL      string
	PostText string
	Comments []string
}

// Text renders the context as a single prompt-ready block.
func (d DiscussionContext) Text() string {
	parts := []string{"HN Title: " + d.Title}
	if d.URL != "" {
		parts = append(parts, "HN URL: "+d.URL)
	}
	if d.PostText != "" {
		parts = append(parts, "HN Post: "+d.PostText)
	}
	if len(d.Comments) > 0 {
		parts = append(parts, "Top comments:\n- "+strings.Join(d.Comments, "\n- "))
	}
	return strings.Join(parts, "\n\n")
}

// HNItemClient reads individual items from the Hacker News Firebase
// API.
type HNItemClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHNItemClient constructs an item client.
func NewHNItemClient(timeout time.Duration) *HNItemClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HNItemClient{
		baseURL:    "https://hacker-news.firebaseio.com/v0",
		httpClient: &http.Client{Timeout: timeout},
	}
}

type hnItem struct {
	ID      int64   `json:"id"`
	Type    string  `json:"type"`
	Time    int64   `json:"time"`
	Title   string  `json:"title"`
	Text    string  `json:"text"`
	URL     string  `json:"url"`
	Kids    []int64 `json:"kids"`
	Deleted bool    `json:"deleted"`
	Dead    bool    `json:"dead"`
}

func (c *HNItemClient) fetchItem(ctx context.Context, id int64) (*hnItem, error) {
	endpoint := fmt.Sprintf("%s/item/%d.json", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hn item %d: status %d", id, resp.StatusCode)
	}

	var item hnItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, fmt.Errorf("decode hn item %d: %w", id, err)
	}
	if item.ID == 0 || item.Deleted || item.Dead {
		return nil, nil
	}
	return &item, nil
}

// FetchContext loads the post and up to maxComments top-level comments
// for an article's Hacker News discussion. Comments are fetched
// concurrently; a missing or dead comment is skipped, not an error.
func (c *HNItemClient) FetchContext(ctx context.Context, externalID string, maxComments int) (DiscussionContext, error) {
	hnID, ok := ParseHNExternalID(externalID)
	if !ok {
		return DiscussionContext{}, fmt.Errorf("not a hacker news id: %q", externalID)
	}
	if maxComments <= 0 {
		maxComments = 10
	}

	item, err := c.fetchItem(ctx, hnID)
	if err != nil {
		return DiscussionContext{}, err
	}
	if item == nil {
		return DiscussionContext{}, fmt.Errorf("hn item %d not found", hnID)
	}

	dc := DiscussionContext{
		HNID:     hnID,
		Title:    item.Title,
		URL:      item.URL,
		PostText: stripHTML(item.Text),
	}

	kids := item.Kids
	if len(kids) > maxComments {
		kids = kids[:maxComments]
	}

	comments := make([]string, len(kids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, kid := range kids {
		g.Go(func() error {
			child, err := c.fetchItem(gctx, kid)
			if err != nil || child == nil {
				return nil
			}
			comments[i] = stripHTML(child.Text)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return DiscussionContext{}, err
	}

	for _, text := range comments {
		if text != "" {
			dc.Comments = append(dc.Comments, text)
		}
	}
	return dc, nil
}

var whitespacePattern = regexp.MustCompile(`\s+`)

func stripHTML(html string) string {
	if html == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return strings.TrimSpace(html)
	}
	return whitespacePattern.ReplaceAllString(strings.TrimSpace(doc.Text()), " ")
}
