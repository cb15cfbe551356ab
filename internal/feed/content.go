package feed

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122 Safari/537.36"

// ContentFetcher retrieves and extracts readable article text from
// arbitrary news URLs.
type ContentFetcher struct {
	httpClient *http.Client
}

// NewContentFetcher constructs a fetcher with the given per-request
// timeout.
func NewContentFetcher(timeout time.Duration) *ContentFetcher {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &ContentFetcher{httpClient: &http.Client{Timeout: timeout}}
}

// ArticleText is the extracted body plus the page title when present.
type ArticleText struct {
	Text  string
	Title string
}

// Fetch downloads the page and extracts its main text. Pages whose
// extracted text is too short to be a real article (fewer than 80 words
// or 3 sentences) are rejected so paywalls and bot walls do not poison
// the LLM input.
func (f *ContentFetcher) Fetch(ctx context.Context, pageURL string) (ArticleText, error) {
	// Some hosts 404 plain http links that work over https.
	if strings.HasPrefix(pageURL, "http://") {
		pageURL = "https://" + strings.TrimPrefix(pageURL, "http://")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return ArticleText{}, err
	}
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", "https://news.ycombinator.com/")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return ArticleText{}, fmt.Errorf("fetch article: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ArticleText{}, fmt.Errorf("fetch article: status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return ArticleText{}, fmt.Errorf("parse article html: %w", err)
	}

	doc.Find("script, style, noscript, nav, footer, header, form, iframe, svg").Remove()

	title, _ := doc.Find("meta[property='og:title']").Attr("content")
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").Text())
	}

	text := ""
	for _, selector := range []string{"article", "main", "#content", ".content", "body"} {
		text = strings.TrimSpace(doc.Find(selector).Text())
		if text != "" {
			break
		}
	}
	text = normalizeText(text)

	if !isGoodText(text) {
		return ArticleText{}, fmt.Errorf("article content too short or blocked")
	}
	return ArticleText{Text: text, Title: title}, nil
}

var (
	spacesPattern   = regexp.MustCompile(`[ \t]+`)
	newlinesPattern = regexp.MustCompile(`\n{3,}`)
)

func normalizeText(input string) string {
	input = strings.ReplaceAll(input, " ", " ")
	input = spacesPattern.ReplaceAllString(input, " ")
	input = newlinesPattern.ReplaceAllString(input, "\n\n")
	return strings.TrimSpace(input)
}

// isGoodText gates on words and sentences rather than raw length.
func isGoodText(text string) bool {
	words := len(strings.Fields(text))
	sentences := 0
	for _, part := range regexp.MustCompile(`[.!?]\s+`).Split(text, -1) {
		if strings.TrimSpace(part) != "" {
			sentences++
		}
	}
	return words >= 80 && sentences >= 3
}
