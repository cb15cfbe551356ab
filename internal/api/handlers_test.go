package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/threatdesk/threatdesk/internal/analysis"
	"github.com/threatdesk/threatdesk/internal/cache"
	"github.com/threatdesk/threatdesk/internal/collab"
	"github.com/threatdesk/threatdesk/internal/config"
	"github.com/threatdesk/threatdesk/internal/feed"
	"github.com/threatdesk/threatdesk/internal/ingest"
	"github.com/threatdesk/threatdesk/internal/models"
	"github.com/threatdesk/threatdesk/internal/rules"
	"github.com/threatdesk/threatdesk/internal/store"
	"github.com/threatdesk/threatdesk/internal/translate"
	"github.com/threatdesk/threatdesk/internal/utils"
)

type feedStub struct {
	pages [][]feed.Item
}

func (f *feedStub) SearchByDate(ctx context.Context, page, hitsPerPage int) ([]feed.Item, error) {
	if page >= len(f.pages) {
		return nil, nil
	}
	return f.pages[page], nil
}

type translatorStub struct {
	query string
	err   error
}

func (t *translatorStub) Translate(ctx context.Context, ruleYAML string) (string, error) {
	return t.query, t.err
}

type testEnv struct {
	store   *store.Store
	handler http.Handler
}

func newTestEnv(t *testing.T, source ingest.Source, translator translate.Converter) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log := utils.NewLoggerTo(io.Discard, "error", false)
	if source == nil {
		source = &feedStub{}
	}
	engine := ingest.NewEngine(source, st, nil, log, config.FeedConfig{
		HitsPerPage: 100,
		MaxPages:    3,
		StateKey:    "test",
		Keywords:    []string{"security", "ransomware", "vulnerability"},
	})

	matcher := rules.NewMatcher(st, cache.NewTTLCache())
	orch := analysis.NewOrchestrator(st, matcher, nil, translator, nil, log, "v1")

	srv := NewServer(":0", Deps{
		Store:      st,
		Engine:     engine,
		Orch:       orch,
		Importer:   rules.NewImporter(st, log),
		Translator: translator,
		Hub:        collab.NewHub(st, log),
		Log:        log,
		RulesDir:   t.TempDir(),
	})
	return &testEnv{store: st, handler: srv.Routes()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func (e *testEnv) seedArticle(t *testing.T, externalID, title string) {
	t.Helper()
	_, err := e.store.InsertArticleIfAbsent(context.Background(), models.Article{
		ExternalID:  externalID,
		Source:      "hackernews",
		Title:       title,
		URL:         "https://example.com/" + externalID,
		PublishTime: time.Now(),
		Status:      models.StatusNew,
	})
	if err != nil {
		t.Fatalf("seed article: %v", err)
	}
}

func (e *testEnv) seedRule(t *testing.T, ruleID, title string, custom bool) {
	t.Helper()
	r := models.Rule{
		RuleID:     ruleID,
		Title:      title,
		Level:      "medium",
		Tags:       []string{"attack.persistence"},
		SourcePath: "rules/windows/x.yml",
		SourceYAML: "title: " + title,
		IsCustom:   custom,
	}
	if custom {
		r.SourcePath = "custom"
	}
	r.SearchText = r.BuildSearchText()
	if _, err := e.store.UpsertRule(context.Background(), r); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	rec, body := env.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response %d %v", rec.Code, body)
	}
}

func TestIngestEndpoint(t *testing.T) {
	source := &feedStub{pages: [][]feed.Item{{
		{ExternalID: "hn_2", Title: "Ransomware crew hits registry", URL: "https://x/2", CreatedAt: 200},
		{ExternalID: "hn_1", Title: "Show HN: my cat photos", URL: "https://x/1", CreatedAt: 100},
	}}}
	env := newTestEnv(t, source, nil)

	rec, body := env.do(t, http.MethodPost, "/ti/ingest/hn", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest status %d: %v", rec.Code, body)
	}
	if body["ok"] != true || body["inserted"] != float64(1) {
		t.Fatalf("unexpected ingest body %v", body)
	}

	rec, body = env.do(t, http.MethodGet, "/ti/articles", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status %d", rec.Code)
	}
	items := body["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected the keyword match only, got %v", items)
	}
	first := items[0].(map[string]any)
	if first["externalId"] != "hn_2" {
		t.Fatalf("unexpected article %v", first)
	}
}

func TestArticleLifecycleEndpoints(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seedArticle(t, "hn_1", "Security incident writeup")

	rec, body := env.do(t, http.MethodPost, "/ti/articles/hn_1/read", map[string]string{"readBy": "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("read status %d: %v", rec.Code, body)
	}
	item := body["item"].(map[string]any)
	if item["status"] != "READ" || item["readBy"] != "alice" {
		t.Fatalf("unexpected item %v", item)
	}

	rec, body = env.do(t, http.MethodPatch, "/ti/articles/hn_1", map[string]string{"status": "BOGUS"})
	if rec.Code != http.StatusBadRequest || body["error"] != "invalid_status" {
		t.Fatalf("expected invalid_status, got %d %v", rec.Code, body)
	}

	rec, body = env.do(t, http.MethodPatch, "/ti/articles/hn_1", map[string]string{"status": "IN_PROGRESS", "assignedTo": "bob"})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status %d: %v", rec.Code, body)
	}
	item = body["item"].(map[string]any)
	if item["status"] != "IN_PROGRESS" || item["assignedTo"] != "bob" {
		t.Fatalf("patch not applied: %v", item)
	}

	rec, _ = env.do(t, http.MethodDelete, "/ti/articles/hn_1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status %d", rec.Code)
	}

	rec, body = env.do(t, http.MethodGet, "/ti/articles", nil)
	if rec.Code != http.StatusOK || len(body["items"].([]any)) != 0 {
		t.Fatalf("deleted article still listed: %v", body)
	}

	rec, body = env.do(t, http.MethodPost, "/ti/articles/hn_404/read", nil)
	if rec.Code != http.StatusNotFound || body["error"] != "not_found" {
		t.Fatalf("expected 404 not_found, got %d %v", rec.Code, body)
	}
}

func TestUnlockEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seedArticle(t, "hn_1", "Security incident writeup")
	ctx := context.Background()

	if err := env.store.SetArticleLock(ctx, "hn_1", "alice"); err != nil {
		t.Fatalf("lock: %v", err)
	}

	rec, _ := env.do(t, http.MethodPost, "/ti/articles/hn_1/unlock", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unlock status %d", rec.Code)
	}
	got, err := env.store.GetArticle(ctx, "hn_1", false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LockedBy != "" {
		t.Fatalf("lock not released: %q", got.LockedBy)
	}

	rec, _ = env.do(t, http.MethodPost, "/ti/articles/hn_404/unlock", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unlock of missing article must 404, got %d", rec.Code)
	}
}

func TestRuleCRUDEndpoints(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seedRule(t, "sys-rule", "System Rule", false)

	create := map[string]any{
		"ruleId":    "my-rule",
		"title":     "My Custom Rule",
		"level":     "high",
		"detection": map[string]any{"selection": map[string]any{"EventID": 1}, "condition": "selection"},
	}
	rec, body := env.do(t, http.MethodPost, "/sigma/", create)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status %d: %v", rec.Code, body)
	}
	item := body["item"].(map[string]any)
	if item["isCustom"] != true || item["sourcePath"] != "custom" || item["slug"] != "my-custom-rule" {
		t.Fatalf("unexpected created rule %v", item)
	}

	rec, body = env.do(t, http.MethodPost, "/sigma/", create)
	if rec.Code != http.StatusBadRequest || body["error"] != "duplicate_rule_id" {
		t.Fatalf("expected duplicate_rule_id, got %d %v", rec.Code, body)
	}

	rec, body = env.do(t, http.MethodPut, "/sigma/sys-rule", map[string]string{"title": "Renamed"})
	if rec.Code != http.StatusForbidden || body["error"] != "cannot_edit_system_rule" {
		t.Fatalf("system rule edit must 403, got %d %v", rec.Code, body)
	}

	rec, body = env.do(t, http.MethodPut, "/sigma/my-rule", map[string]string{"level": "critical"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status %d: %v", rec.Code, body)
	}
	if body["item"].(map[string]any)["level"] != "critical" {
		t.Fatalf("update not applied: %v", body)
	}

	rec, _ = env.do(t, http.MethodDelete, "/sigma/my-rule", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status %d", rec.Code)
	}
	rec, _ = env.do(t, http.MethodDelete, "/sigma/my-rule", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("double delete must 404, got %d", rec.Code)
	}
}

func TestRuleListAndSearchEndpoints(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seedRule(t, "rule-a", "Scheduled Task Creation", false)
	env.seedRule(t, "rule-b", "Suspicious Service Install", false)

	rec, body := env.do(t, http.MethodGet, "/sigma/?limit=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status %d", rec.Code)
	}
	if body["total"] != float64(2) || body["pages"] != float64(2) {
		t.Fatalf("unexpected paging %v", body)
	}
	if len(body["items"].([]any)) != 1 {
		t.Fatalf("limit not applied: %v", body["items"])
	}

	rec, body = env.do(t, http.MethodGet, "/sigma/search?q=scheduled+task", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search status %d", rec.Code)
	}
	hits := body["items"].([]any)
	if len(hits) != 1 {
		t.Fatalf("expected one hit, got %v", hits)
	}
	hit := hits[0].(map[string]any)
	if hit["ruleId"] != "rule-a" || hit["id"] != "rule-a" {
		t.Fatalf("id fields not duplicated: %v", hit)
	}
	if _, ok := hit["score"]; !ok {
		t.Fatalf("search hits must carry a score: %v", hit)
	}

	rec, body = env.do(t, http.MethodGet, "/sigma/categories", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("categories status %d", rec.Code)
	}
	cats := body["categories"].([]any)
	if len(cats) != 1 || cats[0] != "windows" {
		t.Fatalf("unexpected categories %v", cats)
	}
}

func TestConvertEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, &translatorStub{query: "index=main EventCode=4698"})

	rec, body := env.do(t, http.MethodPost, "/sigma/convert", map[string]string{"yamlText": "title: x"})
	if rec.Code != http.StatusOK {
		t.Fatalf("convert status %d: %v", rec.Code, body)
	}
	if body["query"] != "index=main EventCode=4698" {
		t.Fatalf("unexpected query %v", body)
	}

	env = newTestEnv(t, nil, &translatorStub{err: utils.Validation("translate", "empty rule yaml")})
	rec, body = env.do(t, http.MethodPost, "/sigma/convert", map[string]string{"yamlText": ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("validation failure must 400, got %d %v", rec.Code, body)
	}
}

func TestSuggestedEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, &translatorStub{query: "index=main"})
	env.seedArticle(t, "hn_1", "Ransomware abuses scheduled tasks")
	env.seedRule(t, "rule-a", "Scheduled Task Creation", false)

	rec, body := env.do(t, http.MethodGet, "/suggested", nil)
	if rec.Code != http.StatusBadRequest || body["error"] != "missing_articleId" {
		t.Fatalf("expected missing_articleId, got %d %v", rec.Code, body)
	}

	rec, body = env.do(t, http.MethodGet, "/suggested?articleId=hn_1&task=nope", nil)
	if rec.Code != http.StatusBadRequest || body["error"] != "invalid_task" {
		t.Fatalf("expected invalid_task, got %d %v", rec.Code, body)
	}

	rec, body = env.do(t, http.MethodGet, "/suggested?articleId=hn_404", nil)
	if rec.Code != http.StatusNotFound || body["error"] != "article_not_found" {
		t.Fatalf("expected article_not_found, got %d %v", rec.Code, body)
	}

	rec, body = env.do(t, http.MethodGet, "/suggested?articleId=hn_1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("suggested status %d: %v", rec.Code, body)
	}
	if body["status"] != "READY" || body["articleId"] != "hn_1" {
		t.Fatalf("unexpected result %v", body)
	}
	candidates := body["sigmaRules"].([]any)
	if len(candidates) != 1 {
		t.Fatalf("expected one candidate, got %v", candidates)
	}
	analysisBody := body["analysis"].(map[string]any)
	if analysisBody["primaryRuleId"] != "rule-a" {
		t.Fatalf("unexpected analysis %v", analysisBody)
	}
	if analysisBody["translatedQuery"] != "index=main" {
		t.Fatalf("translation not surfaced: %v", analysisBody)
	}
}

func TestEnrichEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seedArticle(t, "hn_1", "Security incident writeup")
	if err := env.store.SetArticleContent(context.Background(), "hn_1", "cached body text"); err != nil {
		t.Fatalf("set content: %v", err)
	}

	rec, body := env.do(t, http.MethodPost, "/ti/articles/hn_1/enrich", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("enrich status %d: %v", rec.Code, body)
	}
	if body["contentText"] != "cached body text" {
		t.Fatalf("stored content not reused: %v", body)
	}

	// No stored content and no fetchers configured leaves nothing to serve.
	env.seedArticle(t, "hn_2", "Another writeup")
	rec, _ = env.do(t, http.MethodPost, "/ti/articles/hn_2/enrich", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without any content source, got %d", rec.Code)
	}
}
