package models

import "time"

// Task selects which analysis slot a request wants generated.
type Task string

const (
	TaskSummary     Task = "summary"
	TaskReasoning   Task = "reasoning"
	TaskExplanation Task = "explanation"
)

// Valid reports whether the task is a known generation target.
func (t Task) Valid() bool {
	switch t {
	case TaskSummary, TaskReasoning, TaskExplanation:
		return true
	}
	return false
}

// AnalysisSlots are the independently fillable parts of one cached
// analysis. Empty string means "not generated yet"; a populated slot is
// only ever replaced by a newer non-empty value, never cleared.
type AnalysisSlots struct {
	NewsSummary     string `json:"newsSummary"`
	RuleReasoning   string `json:"ruleReasoning"`
	QueryReasoning  string `json:"queryReasoning"`
	TranslatedQuery string `json:"translatedQuery"`
	PrimaryRuleID   string `json:"primaryRuleId"`
}

// AnalysisEntry is one cache record, keyed by the content fingerprint
// of (article, primary rule, prompt version).
type AnalysisEntry struct {
	CacheKey      string
	ArticleID     string
	PromptVersion string
	RulesetHash   string
	Slots         AnalysisSlots
	UpdatedAt     time.Time
}

// CandidateRule is one ranked rule suggestion with explanatory hints.
type CandidateRule struct {
	RuleID       string   `json:"id"`
	Title        string   `json:"title"`
	Level        string   `json:"level,omitempty"`
	Tags         []string `json:"tags"`
	Description  string   `json:"description,omitempty"`
	SourcePath   string   `json:"sourcePath"`
	YAMLPath     string   `json:"yamlPath"`
	Score        float64  `json:"score"`
	MatchReasons []string `json:"matchReasons"`
}

// AnalysisResult is the composite returned to the caller: candidates,
// the (possibly partially filled) analysis bundle, and the rule ids
// that already have a cached analysis for this article.
type AnalysisResult struct {
	ArticleID     string          `json:"articleId"`
	Status        string          `json:"status"`
	Candidates    []CandidateRule `json:"sigmaRules"`
	CachedRuleIDs []string        `json:"cachedRuleIds"`
	Analysis      AnalysisSlots   `json:"analysis"`
}
