package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/threatdesk/threatdesk/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "threatdesk.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testArticle(externalID string, publish time.Time) models.Article {
	return models.Article{
		ExternalID:  externalID,
		Source:      "hackernews",
		Title:       "Ransomware gang abuses scheduled tasks",
		URL:         "https://example.com/" + externalID,
		PublishTime: publish,
		Status:      models.StatusNew,
	}
}

func TestInsertArticleIfAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inserted, err := s.InsertArticleIfAbsent(ctx, testArticle("hn_1", time.Now()))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !inserted {
		t.Fatalf("first insert must report true")
	}

	again := testArticle("hn_1", time.Now())
	again.Title = "changed title"
	inserted, err = s.InsertArticleIfAbsent(ctx, again)
	if err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	if inserted {
		t.Fatalf("duplicate external id must report false")
	}

	got, err := s.GetArticle(ctx, "hn_1", false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Ransomware gang abuses scheduled tasks" {
		t.Fatalf("re-ingestion must not touch existing rows, got %q", got.Title)
	}
}

func TestMarkArticleRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.InsertArticleIfAbsent(ctx, testArticle("hn_1", time.Now())); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.MarkArticleRead(ctx, "hn_1", "alice")
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if got.Status != models.StatusRead || got.ReadBy != "alice" || got.ReadAt == nil {
		t.Fatalf("unexpected article after read: %+v", got)
	}

	// Only NEW transitions; a second reader must not steal attribution.
	got, err = s.MarkArticleRead(ctx, "hn_1", "bob")
	if err != nil {
		t.Fatalf("second mark read: %v", err)
	}
	if got.ReadBy != "alice" {
		t.Fatalf("read attribution overwritten by %q", got.ReadBy)
	}
}

func TestUpdateArticleValidatesAndResurrects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.InsertArticleIfAbsent(ctx, testArticle("hn_1", time.Now())); err != nil {
		t.Fatalf("insert: %v", err)
	}

	bogus := models.ArticleStatus("BOGUS")
	if _, err := s.UpdateArticle(ctx, "hn_1", &bogus, nil); err == nil {
		t.Fatalf("invalid status must be rejected")
	}

	if err := s.SoftDeleteArticle(ctx, "hn_1"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	inProgress := models.StatusInProgress
	got, err := s.UpdateArticle(ctx, "hn_1", &inProgress, nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.IsDeleted {
		t.Fatalf("non-COMPLETE status must resurrect the article")
	}
	if got.Status != models.StatusInProgress {
		t.Fatalf("unexpected status %s", got.Status)
	}

	assignee := "bob"
	got, err = s.UpdateArticle(ctx, "hn_1", nil, &assignee)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.AssignedTo != "bob" {
		t.Fatalf("assignee not set, got %q", got.AssignedTo)
	}
}

func TestSoftDeleteHidesArticle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.InsertArticleIfAbsent(ctx, testArticle("hn_1", time.Now())); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.SoftDeleteArticle(ctx, "hn_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetArticle(ctx, "hn_1", false); err == nil {
		t.Fatalf("deleted article must be hidden")
	}
	got, err := s.GetArticle(ctx, "hn_1", true)
	if err != nil {
		t.Fatalf("includeDeleted get: %v", err)
	}
	if !got.IsDeleted || got.DeletedAt == nil {
		t.Fatalf("delete flags missing: %+v", got)
	}
	if err := s.SoftDeleteArticle(ctx, "hn_1"); err == nil {
		t.Fatalf("second delete must report not found")
	}
}

func TestArticleLockOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.InsertArticleIfAbsent(ctx, testArticle("hn_1", time.Now())); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.SetArticleLock(ctx, "hn_1", "alice"); err != nil {
		t.Fatalf("lock: %v", err)
	}

	changed, err := s.ClearArticleLock(ctx, "hn_1", "bob")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if changed {
		t.Fatalf("non-owner must not release the lock")
	}

	changed, err = s.ClearArticleLock(ctx, "hn_1", "alice")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if !changed {
		t.Fatalf("owner release must report a change")
	}

	// Forced release of an already-free lock is a no-op.
	changed, err = s.ClearArticleLock(ctx, "hn_1", "")
	if err != nil {
		t.Fatalf("forced clear: %v", err)
	}
	if changed {
		t.Fatalf("clearing a free lock must not report a change")
	}

	if err := s.SetArticleLock(ctx, "hn_1", "carol"); err != nil {
		t.Fatalf("relock: %v", err)
	}
	changed, err = s.ClearArticleLock(ctx, "hn_1", "")
	if err != nil {
		t.Fatalf("forced clear: %v", err)
	}
	if !changed {
		t.Fatalf("forced release must clear any holder")
	}
}

func TestListArticlesFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	for i, spec := range []struct {
		id     string
		title  string
		status models.ArticleStatus
	}{
		{"hn_1", "Ransomware hits hospital network", models.StatusNew},
		{"hn_2", "New kernel privilege escalation", models.StatusRead},
		{"hn_3", "Phishing kit targets banks", models.StatusComplete},
	} {
		a := testArticle(spec.id, base.Add(time.Duration(i)*time.Hour))
		a.Title = spec.title
		a.Status = spec.status
		if _, err := s.InsertArticleIfAbsent(ctx, a); err != nil {
			t.Fatalf("insert %s: %v", spec.id, err)
		}
	}

	got, err := s.ListArticles(ctx, models.ArticleFilter{
		Statuses: []models.ArticleStatus{models.StatusNew, models.StatusRead},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("status filter returned %d articles", len(got))
	}
	if got[0].ExternalID != "hn_2" {
		t.Fatalf("expected newest first, got %s", got[0].ExternalID)
	}

	got, err = s.ListArticles(ctx, models.ArticleFilter{TitleContains: "ransomware"})
	if err != nil {
		t.Fatalf("list by title: %v", err)
	}
	if len(got) != 1 || got[0].ExternalID != "hn_1" {
		t.Fatalf("title filter failed: %v", got)
	}

	got, err = s.ListArticles(ctx, models.ArticleFilter{PublishedAfter: base.Add(90 * time.Minute)})
	if err != nil {
		t.Fatalf("list by date: %v", err)
	}
	if len(got) != 1 || got[0].ExternalID != "hn_3" {
		t.Fatalf("date filter failed: %v", got)
	}
}

func TestSetArticleContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.InsertArticleIfAbsent(ctx, testArticle("hn_1", time.Now())); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.SetArticleContent(ctx, "hn_1", "full article body"); err != nil {
		t.Fatalf("set content: %v", err)
	}
	got, err := s.GetArticle(ctx, "hn_1", false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ContentText != "full article body" {
		t.Fatalf("content not persisted, got %q", got.ContentText)
	}
}

func TestIngestStateWatermarkIsMonotone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state, err := s.LoadOrCreateIngestState(ctx, "hn:security")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.LastSeenCreatedAt != 0 {
		t.Fatalf("fresh cursor must start at zero, got %d", state.LastSeenCreatedAt)
	}

	runAt := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	summary := models.RunSummary{FetchedTotal: 30, Inserted: 4, PagesFetched: 2}
	if err := s.SaveIngestRun(ctx, "hn:security", 1000, runAt, summary); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveIngestRun(ctx, "hn:security", 500, runAt.Add(time.Hour), summary); err != nil {
		t.Fatalf("save stale: %v", err)
	}

	state, err = s.LoadOrCreateIngestState(ctx, "hn:security")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if state.LastSeenCreatedAt != 1000 {
		t.Fatalf("stale save must not move the watermark back, got %d", state.LastSeenCreatedAt)
	}
	if state.LastResult.Inserted != 4 {
		t.Fatalf("run summary not persisted: %+v", state.LastResult)
	}
	if !state.LastRunAt.Equal(runAt.Add(time.Hour)) {
		t.Fatalf("unexpected last run %v", state.LastRunAt)
	}
}
