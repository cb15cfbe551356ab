package api

import (
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/threatdesk/threatdesk/internal/metrics"
	"github.com/threatdesk/threatdesk/internal/models"
	"github.com/threatdesk/threatdesk/internal/rules"
	"github.com/threatdesk/threatdesk/internal/store"
	"github.com/threatdesk/threatdesk/internal/utils"
)

// ruleResponse is the wire shape for one rule. The id is duplicated
// under both keys because older clients read ruleId.
type ruleResponse struct {
	ID             string            `json:"id"`
	RuleID         string            `json:"ruleId"`
	Title          string            `json:"title"`
	Level          string            `json:"level,omitempty"`
	Status         string            `json:"status,omitempty"`
	Tags           []string          `json:"tags"`
	LogSource      models.LogSource  `json:"logsource"`
	Description    string            `json:"description"`
	Detection      models.Detection  `json:"detection"`
	FalsePositives []string          `json:"falsePositives"`
	References     []string          `json:"references"`
	SourcePath     string            `json:"sourcePath"`
	Slug           string            `json:"slug"`
	YAMLLink       string            `json:"yamlLink"`
	IsCustom       bool              `json:"isCustom"`
	Score          *float64          `json:"score,omitempty"`
}

func toRuleResponse(r models.Rule, score *float64) ruleResponse {
	return ruleResponse{
		ID:             r.RuleID,
		RuleID:         r.RuleID,
		Title:          r.Title,
		Level:          r.Level,
		Status:         r.Status,
		Tags:           emptySlice(r.Tags),
		LogSource:      r.LogSource,
		Description:    r.Description,
		Detection:      r.Detection,
		FalsePositives: emptySlice(r.FalsePositives),
		References:     emptySlice(r.References),
		SourcePath:     r.SourcePath,
		Slug:           r.Slug,
		YAMLLink:       r.YAMLLink,
		IsCustom:       r.IsCustom,
		Score:          score,
	}
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RuleListFilter{
		Query:    strings.TrimSpace(q.Get("q")),
		Category: strings.TrimSpace(q.Get("category")),
	}
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Page = n
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}

	items, total, err := s.store.ListRules(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}

	mapped := make([]ruleResponse, 0, len(items))
	for _, item := range items {
		mapped = append(mapped, toRuleResponse(item, nil))
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"items": mapped,
		"total": total,
		"page":  page,
		"pages": (total + limit - 1) / limit,
	})
}

func (s *Server) handleSearchRules(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 50 {
			limit = n
		}
	}

	var mapped []ruleResponse
	if q != "" {
		hits, err := s.store.SearchRules(r.Context(), rules.FTSExpression(q), limit)
		if err != nil {
			s.writeError(w, r, err, "")
			return
		}
		for _, hit := range hits {
			score := hit.Score
			mapped = append(mapped, toRuleResponse(hit.Rule, &score))
		}
	} else {
		items, _, err := s.store.ListRules(r.Context(), store.RuleListFilter{Limit: limit})
		if err != nil {
			s.writeError(w, r, err, "")
			return
		}
		for _, item := range items {
			mapped = append(mapped, toRuleResponse(item, nil))
		}
	}
	if mapped == nil {
		mapped = []ruleResponse{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "items": mapped})
}

func (s *Server) handleRuleCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.store.RuleCategories(r.Context())
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	if cats == nil {
		cats = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "categories": cats})
}

type ruleBody struct {
	RuleID         string           `json:"ruleId"`
	Title          string           `json:"title"`
	Level          string           `json:"level"`
	Status         string           `json:"status"`
	Tags           []string         `json:"tags"`
	Description    string           `json:"description"`
	FalsePositives []string         `json:"falsepositives"`
	References     []string         `json:"references"`
	LogSource      models.LogSource `json:"logsource"`
	Detection      map[string]any   `json:"detection"`
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var body ruleBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err, "")
		return
	}
	if body.RuleID == "" || body.Title == "" {
		badRequest(w, "ruleId and title are required")
		return
	}

	if _, err := s.store.GetRule(r.Context(), body.RuleID); err == nil {
		badRequest(w, "duplicate_rule_id")
		return
	}

	detection := models.DetectionFromAny(anyMap(body.Detection))
	if err := detection.Validate(); err != nil {
		badRequest(w, err.Error())
		return
	}

	rule := models.Rule{
		RuleID:         body.RuleID,
		Title:          body.Title,
		Level:          body.Level,
		Status:         body.Status,
		Tags:           body.Tags,
		Description:    body.Description,
		FalsePositives: body.FalsePositives,
		References:     body.References,
		LogSource:      body.LogSource,
		Detection:      detection,
		SourcePath:     "custom",
		Slug:           rules.Slugify(body.Title),
		YAMLLink:       "local",
		IsCustom:       true,
	}
	rule.SearchText = rule.BuildSearchText()

	if _, err := s.store.UpsertRule(r.Context(), rule); err != nil {
		s.writeError(w, r, err, "creation_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "item": toRuleResponse(rule, nil)})
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleID")

	existing, err := s.store.GetRule(r.Context(), ruleID)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	if !existing.IsCustom {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "cannot_edit_system_rule"})
		return
	}

	var body ruleBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err, "")
		return
	}

	updated := existing
	if body.Title != "" {
		updated.Title = body.Title
		updated.Slug = rules.Slugify(body.Title)
	}
	if body.Level != "" {
		updated.Level = body.Level
	}
	if body.Status != "" {
		updated.Status = body.Status
	}
	if body.Description != "" {
		updated.Description = body.Description
	}
	if body.Tags != nil {
		updated.Tags = body.Tags
	}
	if body.FalsePositives != nil {
		updated.FalsePositives = body.FalsePositives
	}
	if body.References != nil {
		updated.References = body.References
	}
	if body.LogSource != (models.LogSource{}) {
		updated.LogSource = body.LogSource
	}
	if body.Detection != nil {
		detection := models.DetectionFromAny(anyMap(body.Detection))
		if err := detection.Validate(); err != nil {
			badRequest(w, err.Error())
			return
		}
		updated.Detection = detection
	}
	updated.SearchText = updated.BuildSearchText()

	if _, err := s.store.UpsertRule(r.Context(), updated); err != nil {
		s.writeError(w, r, err, "update_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "item": toRuleResponse(updated, nil)})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteRule(r.Context(), chi.URLParam(r, "ruleID")); err != nil {
		s.writeError(w, r, err, "delete_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleImportRules(w http.ResponseWriter, r *http.Request) {
	baseDir := strings.TrimSpace(r.URL.Query().Get("baseDir"))
	if baseDir == "" {
		baseDir = s.rulesDir
	}

	summary, err := s.importer.ImportDir(r.Context(), filepath.Join(baseDir, "rules"))
	if err != nil {
		s.writeError(w, r, err, "import_failed")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		rules.ImportSummary
	}{OK: true, ImportSummary: summary})
}

func (s *Server) handleConvertRule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		YAMLText string `json:"yamlText"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err, "")
		return
	}

	query, err := s.translator.Translate(r.Context(), body.YAMLText)
	if err != nil {
		if !utils.IsCancelled(err) {
			metrics.Recorder{}.ObserveTranslation(metrics.OutcomeError)
		}
		s.writeError(w, r, err, "conversion_failed")
		return
	}
	metrics.Recorder{}.ObserveTranslation(metrics.OutcomeSuccess)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "query": query})
}

func emptySlice(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
