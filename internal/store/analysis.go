package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/threatdesk/threatdesk/internal/models"
	"github.com/threatdesk/threatdesk/internal/utils"
)

// GetAnalysisEntry loads one cache entry by fingerprint.
func (s *Store) GetAnalysisEntry(ctx context.Context, cacheKey string) (models.AnalysisEntry, error) {
	var (
		e       models.AnalysisEntry
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT cache_key, article_id, prompt_version, ruleset_hash,
			news_summary, rule_reasoning, query_reasoning, translated_query,
			primary_rule_id, updated_at
		FROM analysis_cache WHERE cache_key = ?`, cacheKey).
		Scan(&e.CacheKey, &e.ArticleID, &e.PromptVersion, &e.RulesetHash,
			&e.Slots.NewsSummary, &e.Slots.RuleReasoning, &e.Slots.QueryReasoning,
			&e.Slots.TranslatedQuery, &e.Slots.PrimaryRuleID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AnalysisEntry{}, utils.NotFound("store.GetAnalysisEntry", cacheKey)
	}
	if err != nil {
		return models.AnalysisEntry{}, fmt.Errorf("get analysis entry: %w", err)
	}
	e.UpdatedAt = time.Unix(updated, 0).UTC()
	return e, nil
}

// MergeAnalysisEntry upserts a cache entry slot-by-slot. Writes are
// merge-only: an incoming empty slot never clears a populated one, so
// racing generations for the same fingerprint are commutative and an
// empty result can never erase an earlier success.
func (s *Store) MergeAnalysisEntry(ctx context.Context, e models.AnalysisEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_cache (cache_key, article_id, prompt_version,
			ruleset_hash, news_summary, rule_reasoning, query_reasoning,
			translated_query, primary_rule_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			ruleset_hash = CASE WHEN excluded.ruleset_hash != '' THEN excluded.ruleset_hash ELSE analysis_cache.ruleset_hash END,
			news_summary = CASE WHEN excluded.news_summary != '' THEN excluded.news_summary ELSE analysis_cache.news_summary END,
			rule_reasoning = CASE WHEN excluded.rule_reasoning != '' THEN excluded.rule_reasoning ELSE analysis_cache.rule_reasoning END,
			query_reasoning = CASE WHEN excluded.query_reasoning != '' THEN excluded.query_reasoning ELSE analysis_cache.query_reasoning END,
			translated_query = CASE WHEN excluded.translated_query != '' THEN excluded.translated_query ELSE analysis_cache.translated_query END,
			primary_rule_id = CASE WHEN excluded.primary_rule_id != '' THEN excluded.primary_rule_id ELSE analysis_cache.primary_rule_id END,
			updated_at = excluded.updated_at`,
		e.CacheKey, e.ArticleID, e.PromptVersion, e.RulesetHash,
		e.Slots.NewsSummary, e.Slots.RuleReasoning, e.Slots.QueryReasoning,
		e.Slots.TranslatedQuery, e.Slots.PrimaryRuleID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("merge analysis entry %s: %w", e.CacheKey, err)
	}
	return nil
}

// FindSummaryForArticle returns any cached news summary for the
// article, regardless of which rule it was computed under. Summaries
// are rule-independent, so one good summary serves every fingerprint.
func (s *Store) FindSummaryForArticle(ctx context.Context, articleID string) (string, error) {
	var summary string
	err := s.db.QueryRowContext(ctx, `
		SELECT news_summary FROM analysis_cache
		WHERE article_id = ? AND news_summary != ''
		ORDER BY updated_at DESC LIMIT 1`, articleID).
		Scan(&summary)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find summary for %s: %w", articleID, err)
	}
	return summary, nil
}

// CachedRuleIDs lists the rule ids that already carry a cached analysis
// for the article under the given prompt version.
func (s *Store) CachedRuleIDs(ctx context.Context, articleID, promptVersion string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT primary_rule_id FROM analysis_cache
		WHERE article_id = ? AND prompt_version = ? AND primary_rule_id != ''
		ORDER BY primary_rule_id`, articleID, promptVersion)
	if err != nil {
		return nil, fmt.Errorf("cached rule ids for %s: %w", articleID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
