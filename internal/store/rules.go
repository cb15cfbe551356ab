package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/threatdesk/threatdesk/internal/models"
	"github.com/threatdesk/threatdesk/internal/utils"
)

const ruleColumns = `rule_id, title, level, status, tags, description,
	false_positives, refs, logsource, detection, source_path, slug,
	yaml_link, search_text, is_custom, source_yaml, updated_at`

// UpsertRule inserts or replaces a rule and keeps the FTS mirror in
// sync. Returns true when the rule id was not previously known.
func (s *Store) UpsertRule(ctx context.Context, r models.Rule) (bool, error) {
	tags, _ := json.Marshal(emptyIfNil(r.Tags))
	fps, _ := json.Marshal(emptyIfNil(r.FalsePositives))
	refs, _ := json.Marshal(emptyIfNil(r.References))
	logsource, _ := json.Marshal(r.LogSource)
	detection, err := json.Marshal(r.Detection)
	if err != nil {
		return false, fmt.Errorf("marshal detection for %s: %w", r.RuleID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin upsert rule: %w", err)
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM rules WHERE rule_id = ?`, r.RuleID).Scan(&existing); err != nil {
		return false, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rules (rule_id, title, level, status, tags, description,
			false_positives, refs, logsource, detection, source_path, slug,
			yaml_link, search_text, is_custom, source_yaml, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_id) DO UPDATE SET
			title = excluded.title,
			level = excluded.level,
			status = excluded.status,
			tags = excluded.tags,
			description = excluded.description,
			false_positives = excluded.false_positives,
			refs = excluded.refs,
			logsource = excluded.logsource,
			detection = excluded.detection,
			source_path = excluded.source_path,
			slug = excluded.slug,
			yaml_link = excluded.yaml_link,
			search_text = excluded.search_text,
			is_custom = excluded.is_custom,
			source_yaml = excluded.source_yaml,
			updated_at = excluded.updated_at`,
		r.RuleID, r.Title, r.Level, r.Status, string(tags), r.Description,
		string(fps), string(refs), string(logsource), string(detection),
		r.SourcePath, r.Slug, r.YAMLLink, r.SearchText, boolToInt(r.IsCustom),
		r.SourceYAML, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("upsert rule %s: %w", r.RuleID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rules_fts WHERE rule_id = ?`, r.RuleID); err != nil {
		return false, fmt.Errorf("refresh fts for %s: %w", r.RuleID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rules_fts (rule_id, title, search_text, tags)
		VALUES (?, ?, ?, ?)`,
		r.RuleID, r.Title, r.SearchText, strings.Join(r.Tags, " ")); err != nil {
		return false, fmt.Errorf("index rule %s: %w", r.RuleID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return existing == 0, nil
}

// GetRule loads one rule by id.
func (s *Store) GetRule(ctx context.Context, ruleID string) (models.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE rule_id = ?`, ruleID)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Rule{}, utils.NotFound("store.GetRule", ruleID)
	}
	return r, err
}

// DeleteRule removes a rule and its index entry.
func (s *Store) DeleteRule(ctx context.Context, ruleID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE rule_id = ?`, ruleID)
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", ruleID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return utils.NotFound("store.DeleteRule", ruleID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rules_fts WHERE rule_id = ?`, ruleID); err != nil {
		return fmt.Errorf("deindex rule %s: %w", ruleID, err)
	}
	return tx.Commit()
}

// SearchRules runs a ranked full-text query over the rule index. The
// match argument must already be a well-formed FTS5 expression; lower
// bm25 is better, so hits come back best-first with rule id as the
// tie-break.
func (s *Store) SearchRules(ctx context.Context, match string, limit int) ([]models.RuleHit, error) {
	if strings.TrimSpace(match) == "" {
		return nil, nil
	}
	if limit <= 0 || limit > 50 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.rule_id, r.title, r.level, r.status, r.tags, r.description,
			r.false_positives, r.refs, r.logsource, r.detection, r.source_path,
			r.slug, r.yaml_link, r.search_text, r.is_custom, r.source_yaml,
			r.updated_at, bm25(rules_fts) AS rank
		FROM rules_fts
		JOIN rules r ON r.rule_id = rules_fts.rule_id
		WHERE rules_fts MATCH ?
		ORDER BY rank ASC, r.rule_id ASC
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("search rules: %w", err)
	}
	defer rows.Close()

	var hits []models.RuleHit
	for rows.Next() {
		var rank float64
		r, err := scanRuleWithExtra(rows, &rank)
		if err != nil {
			return nil, err
		}
		// bm25 ranks ascending; expose descending relevance instead.
		hits = append(hits, models.RuleHit{Rule: r, Score: -rank})
	}
	return hits, rows.Err()
}

// RuleListFilter narrows paged rule listings.
type RuleListFilter struct {
	Query    string
	Category string
	Page     int
	Limit    int
}

// ListRules returns a page of rules plus the total match count,
// most-recently-updated first.
func (s *Store) ListRules(ctx context.Context, f RuleListFilter) ([]models.Rule, int, error) {
	page := f.Page
	if page < 1 {
		page = 1
	}
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	where := func(b sq.SelectBuilder) sq.SelectBuilder {
		if f.Query != "" {
			like := "%" + f.Query + "%"
			b = b.Where(sq.Or{
				sq.Expr("title LIKE ? COLLATE NOCASE", like),
				sq.Expr("search_text LIKE ? COLLATE NOCASE", like),
			})
		}
		switch cat := strings.ToLower(f.Category); {
		case cat == "" || cat == "all":
		case cat == "custom":
			b = b.Where(sq.Eq{"is_custom": 1})
		default:
			b = b.Where("source_path LIKE ? COLLATE NOCASE", "rules/"+cat+"/%").
				Where(sq.Eq{"is_custom": 0})
		}
		return b
	}

	countQuery, countArgs, err := where(sq.Select("COUNT(1)").From("rules")).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build rule count: %w", err)
	}
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count rules: %w", err)
	}

	query, args, err := where(sq.Select(ruleColumns).From("rules")).
		OrderBy("updated_at DESC").
		Limit(uint64(limit)).
		Offset(uint64((page - 1) * limit)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build rule list: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []models.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// RuleCategories returns the distinct top-level folders under rules/
// in the corpus source paths.
func (s *Store) RuleCategories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT source_path FROM rules WHERE is_custom = 0`)
	if err != nil {
		return nil, fmt.Errorf("rule categories: %w", err)
	}
	defer rows.Close()

	seen := map[string]bool{}
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		parts := strings.Split(strings.ReplaceAll(path, "\\", "/"), "/")
		if len(parts) >= 2 && parts[0] == "rules" && parts[1] != "" {
			seen[parts[1]] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cats := make([]string, 0, len(seen))
	for c := range seen {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return cats, nil
}

func scanRule(row rowScanner) (models.Rule, error) {
	return scanRuleWithExtra(row, nil)
}

func scanRuleWithExtra(row rowScanner, rank *float64) (models.Rule, error) {
	var (
		r                     models.Rule
		tags, fps, refs       string
		logsource, detection  string
		isCustom              int
		updated               int64
	)
	dest := []any{&r.RuleID, &r.Title, &r.Level, &r.Status, &tags, &r.Description,
		&fps, &refs, &logsource, &detection, &r.SourcePath, &r.Slug,
		&r.YAMLLink, &r.SearchText, &isCustom, &r.SourceYAML, &updated}
	if rank != nil {
		dest = append(dest, rank)
	}
	if err := row.Scan(dest...); err != nil {
		return models.Rule{}, err
	}
	_ = json.Unmarshal([]byte(tags), &r.Tags)
	_ = json.Unmarshal([]byte(fps), &r.FalsePositives)
	_ = json.Unmarshal([]byte(refs), &r.References)
	_ = json.Unmarshal([]byte(logsource), &r.LogSource)
	_ = json.Unmarshal([]byte(detection), &r.Detection)
	r.IsCustom = isCustom != 0
	r.UpdatedAt = time.Unix(updated, 0).UTC()
	return r, nil
}

func emptyIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
