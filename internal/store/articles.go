package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/threatdesk/threatdesk/internal/models"
	"github.com/threatdesk/threatdesk/internal/utils"
)

const articleColumns = `external_id, source, title, url, publish_time, status,
	read_at, read_by, assigned_to, locked_by, locked_at,
	is_deleted, deleted_at, content_text, created_at, updated_at`

// InsertArticleIfAbsent inserts a feed item unless its external id is
// already known. Existing rows are never touched: status, lock, and
// assignment set by analysts survive re-ingestion. Returns true when a
// row was inserted.
func (s *Store) InsertArticleIfAbsent(ctx context.Context, a models.Article) (bool, error) {
	now := time.Now().Unix()
	status := a.Status
	if status == "" {
		status = models.StatusNew
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO articles (external_id, source, title, url, publish_time, status, content_text, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO NOTHING`,
		a.ExternalID, a.Source, a.Title, a.URL, a.PublishTime.Unix(), string(status), a.ContentText, now, now)
	if err != nil {
		return false, fmt.Errorf("insert article %s: %w", a.ExternalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetArticle loads one article by external id. Soft-deleted rows are
// reported as ErrNotFound unless includeDeleted is set.
func (s *Store) GetArticle(ctx context.Context, externalID string, includeDeleted bool) (models.Article, error) {
	query := `SELECT ` + articleColumns + ` FROM articles WHERE external_id = ?`
	if !includeDeleted {
		query += ` AND is_deleted = 0`
	}
	row := s.db.QueryRowContext(ctx, query, externalID)
	a, err := scanArticle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Article{}, utils.NotFound("store.GetArticle", externalID)
	}
	return a, err
}

// ListArticles returns articles matching the filter, newest publish
// time first.
func (s *Store) ListArticles(ctx context.Context, f models.ArticleFilter) ([]models.Article, error) {
	b := sq.Select(articleColumns).
		From("articles").
		OrderBy("publish_time DESC")

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		b = b.Where(sq.Eq{"status": statuses})
	}
	if !f.IncludeDeleted {
		b = b.Where(sq.Eq{"is_deleted": 0})
	}
	if f.TitleContains != "" {
		b = b.Where("title LIKE ? COLLATE NOCASE", "%"+f.TitleContains+"%")
	}
	if f.AssignedTo != "" {
		b = b.Where("assigned_to LIKE ? COLLATE NOCASE", "%"+f.AssignedTo+"%")
	}
	if !f.PublishedAfter.IsZero() {
		b = b.Where(sq.GtOrEq{"publish_time": f.PublishedAfter.Unix()})
	}
	if !f.PublishedBefore.IsZero() {
		b = b.Where(sq.LtOrEq{"publish_time": f.PublishedBefore.Unix()})
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	b = b.Limit(uint64(limit))

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build article query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	defer rows.Close()

	var out []models.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkArticleRead transitions NEW → READ, recording who and when. Any
// other current status is left untouched.
func (s *Store) MarkArticleRead(ctx context.Context, externalID, readBy string) (models.Article, error) {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		UPDATE articles SET status = ?, read_at = ?, read_by = ?, updated_at = ?
		WHERE external_id = ? AND is_deleted = 0 AND status = ?`,
		string(models.StatusRead), now, readBy, now, externalID, string(models.StatusNew))
	if err != nil {
		return models.Article{}, fmt.Errorf("mark read %s: %w", externalID, err)
	}
	return s.GetArticle(ctx, externalID, false)
}

// UpdateArticle patches status and/or assignee. A transition to any
// non-COMPLETE status also clears the soft-delete flag, resurrecting
// the article.
func (s *Store) UpdateArticle(ctx context.Context, externalID string, status *models.ArticleStatus, assignedTo *string) (models.Article, error) {
	if _, err := s.GetArticle(ctx, externalID, true); err != nil {
		return models.Article{}, err
	}

	now := time.Now().Unix()
	if status != nil {
		if !status.Valid() {
			return models.Article{}, utils.Validation("store.UpdateArticle", "invalid status "+string(*status))
		}
		if *status != models.StatusComplete {
			_, err := s.db.ExecContext(ctx, `
				UPDATE articles SET status = ?, is_deleted = 0, deleted_at = NULL, updated_at = ?
				WHERE external_id = ?`,
				string(*status), now, externalID)
			if err != nil {
				return models.Article{}, fmt.Errorf("update status %s: %w", externalID, err)
			}
		} else {
			_, err := s.db.ExecContext(ctx, `
				UPDATE articles SET status = ?, updated_at = ? WHERE external_id = ?`,
				string(*status), now, externalID)
			if err != nil {
				return models.Article{}, fmt.Errorf("update status %s: %w", externalID, err)
			}
		}
	}
	if assignedTo != nil {
		_, err := s.db.ExecContext(ctx, `
			UPDATE articles SET assigned_to = ?, updated_at = ? WHERE external_id = ?`,
			*assignedTo, now, externalID)
		if err != nil {
			return models.Article{}, fmt.Errorf("update assignee %s: %w", externalID, err)
		}
	}
	return s.GetArticle(ctx, externalID, true)
}

// SoftDeleteArticle flags an article as removed. Rows are never hard
// deleted.
func (s *Store) SoftDeleteArticle(ctx context.Context, externalID string) error {
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE articles SET is_deleted = 1, deleted_at = ?, updated_at = ?
		WHERE external_id = ? AND is_deleted = 0`,
		now, now, externalID)
	if err != nil {
		return fmt.Errorf("soft delete %s: %w", externalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return utils.NotFound("store.SoftDeleteArticle", externalID)
	}
	return nil
}

// SetArticleLock records operator as the session-lock holder. Joins are
// unconditional: the last winning join owns the lock.
func (s *Store) SetArticleLock(ctx context.Context, externalID, operator string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		UPDATE articles SET locked_by = ?, locked_at = ?, updated_at = ? WHERE external_id = ?`,
		operator, now, now, externalID)
	if err != nil {
		return fmt.Errorf("lock %s: %w", externalID, err)
	}
	return nil
}

// ClearArticleLock releases the session lock. With a non-empty
// operator the release only applies when that operator is the current
// holder; an empty operator forces the release. Returns true when the
// lock row actually changed.
func (s *Store) ClearArticleLock(ctx context.Context, externalID, operator string) (bool, error) {
	now := time.Now().Unix()
	var (
		res sql.Result
		err error
	)
	if operator == "" {
		res, err = s.db.ExecContext(ctx, `
			UPDATE articles SET locked_by = '', locked_at = NULL, updated_at = ?
			WHERE external_id = ? AND locked_by != ''`,
			now, externalID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE articles SET locked_by = '', locked_at = NULL, updated_at = ?
			WHERE external_id = ? AND locked_by = ?`,
			now, externalID, operator)
	}
	if err != nil {
		return false, fmt.Errorf("unlock %s: %w", externalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetArticleContent stores the fetched article body text.
func (s *Store) SetArticleContent(ctx context.Context, externalID, text string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		UPDATE articles SET content_text = ?, updated_at = ? WHERE external_id = ?`,
		text, now, externalID)
	if err != nil {
		return fmt.Errorf("set content %s: %w", externalID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArticle(row rowScanner) (models.Article, error) {
	var (
		a                            models.Article
		publish, created, updated    int64
		readAt, lockedAt, deletedAt  sql.NullInt64
		status                       string
		isDeleted                    int
	)
	err := row.Scan(&a.ExternalID, &a.Source, &a.Title, &a.URL, &publish, &status,
		&readAt, &a.ReadBy, &a.AssignedTo, &a.LockedBy, &lockedAt,
		&isDeleted, &deletedAt, &a.ContentText, &created, &updated)
	if err != nil {
		return models.Article{}, err
	}
	a.PublishTime = time.Unix(publish, 0).UTC()
	a.Status = models.ArticleStatus(status)
	a.IsDeleted = isDeleted != 0
	a.CreatedAt = time.Unix(created, 0).UTC()
	a.UpdatedAt = time.Unix(updated, 0).UTC()
	a.ReadAt = nullTime(readAt)
	a.LockedAt = nullTime(lockedAt)
	a.DeletedAt = nullTime(deletedAt)
	return a, nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
