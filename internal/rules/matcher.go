package rules

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/threatdesk/threatdesk/internal/cache"
	"github.com/threatdesk/threatdesk/internal/models"
)

// Searcher runs ranked full-text queries over the rule index.
type Searcher interface {
	SearchRules(ctx context.Context, match string, limit int) ([]models.RuleHit, error)
}

const (
	candidateLimit = 10
	searchCacheTTL = 2 * time.Minute
)

// Matcher turns article titles into ranked rule candidates. Results
// for the same title are memoised briefly so the repeated lookups from
// per-slot analysis calls hit the index once.
type Matcher struct {
	searcher Searcher
	memo     *cache.TTLCache
}

// NewMatcher constructs a matcher. memo may be nil to disable
// memoisation.
func NewMatcher(searcher Searcher, memo *cache.TTLCache) *Matcher {
	return &Matcher{searcher: searcher, memo: memo}
}

// FindCandidates searches the rule index for the article title and
// returns the top hits best-first with human-readable match reasons.
// A title that yields no usable query terms matches nothing.
func (m *Matcher) FindCandidates(ctx context.Context, title string) ([]models.CandidateRule, error) {
	query := BuildQueryFromTitle(title)
	if query == "" {
		return nil, nil
	}

	if m.memo != nil {
		if v, ok := m.memo.Get(query); ok {
			return v.([]models.CandidateRule), nil
		}
	}

	hits, err := m.searcher.SearchRules(ctx, FTSExpression(query), candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("search rule candidates: %w", err)
	}

	candidates := make([]models.CandidateRule, 0, len(hits))
	for _, hit := range hits {
		candidates = append(candidates, models.CandidateRule{
			RuleID:       hit.Rule.RuleID,
			Title:        hit.Rule.Title,
			Level:        hit.Rule.Level,
			Tags:         hit.Rule.Tags,
			Description:  hit.Rule.Description,
			SourcePath:   hit.Rule.SourcePath,
			YAMLPath:     yamlPath(hit.Rule.SourcePath),
			Score:        hit.Score,
			MatchReasons: BuildMatchReasons(title, hit.Rule.Title, hit.Rule.Tags),
		})
	}

	if m.memo != nil {
		m.memo.Set(query, candidates, searchCacheTTL)
	}
	return candidates, nil
}

var queryStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"to": true, "of": true, "in": true, "on": true, "for": true,
	"with": true, "from": true, "at": true, "by": true, "is": true,
	"are": true, "new": true, "how": true, "why": true, "what": true,
	"this": true, "that": true, "these": true, "those": true,
}

var nonQueryChars = regexp.MustCompile(`[^a-z0-9\s-]`)

// BuildQueryFromTitle reduces an article title to at most six distinct
// lowercase terms of four or more characters, stopwords removed, in
// title order.
func BuildQueryFromTitle(title string) string {
	cleaned := nonQueryChars.ReplaceAllString(strings.ToLower(title), " ")

	var uniq []string
	seen := map[string]bool{}
	for _, w := range strings.Fields(cleaned) {
		if len(w) < 4 || queryStopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		uniq = append(uniq, w)
		if len(uniq) == 6 {
			break
		}
	}
	return strings.Join(uniq, " ")
}

// FTSExpression turns space-separated terms into an FTS5 OR query with
// every term quoted, so hyphens and reserved words stay literal.
func FTSExpression(query string) string {
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, ``) + `"`
	}
	return strings.Join(terms, " OR ")
}

// BuildMatchReasons explains why a rule surfaced for an article: title
// token overlap first, then MITRE technique tags, with a generic
// full-text fallback when neither applies.
func BuildMatchReasons(articleTitle, ruleTitle string, tags []string) []string {
	var reasons []string

	ruleLower := strings.ToLower(ruleTitle)
	var overlaps []string
	for _, token := range strings.Fields(strings.ToLower(articleTitle)) {
		if len(token) >= 5 && strings.Contains(ruleLower, token) {
			overlaps = append(overlaps, token)
			if len(overlaps) == 3 {
				break
			}
		}
	}
	if len(overlaps) > 0 {
		reasons = append(reasons, "Title overlap: "+strings.Join(overlaps, ", "))
	}

	var tagHints []string
	for _, tag := range tags {
		if strings.Contains(tag, "attack.") {
			tagHints = append(tagHints, tag)
			if len(tagHints) == 2 {
				break
			}
		}
	}
	if len(tagHints) > 0 {
		reasons = append(reasons, "MITRE tags present: "+strings.Join(tagHints, ", "))
	}

	if len(reasons) == 0 {
		reasons = append(reasons, "Relevant by full-text search on the rule corpus.")
	}
	return reasons
}

// yamlPath strips the corpus prefix from a source path so the frontend
// can link relative to the rules root.
func yamlPath(sourcePath string) string {
	normalized := strings.ReplaceAll(sourcePath, "\\", "/")
	if idx := strings.Index(normalized, "rules/"); idx >= 0 {
		return normalized[idx+len("rules/"):]
	}
	return ""
}
