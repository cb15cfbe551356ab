package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/threatdesk/threatdesk/internal/metrics"
	"github.com/threatdesk/threatdesk/internal/models"
	"github.com/threatdesk/threatdesk/internal/utils"
)

// handleSuggested serves the analysis bundle for one article. task is
// optional; when set it names the single LLM slot to generate on this
// request, everything else comes from cache.
func (s *Server) handleSuggested(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	articleID := strings.TrimSpace(q.Get("articleId"))
	if articleID == "" {
		badRequest(w, "missing_articleId")
		return
	}
	ruleID := strings.TrimSpace(q.Get("ruleId"))

	task := models.Task(strings.TrimSpace(q.Get("task")))
	if task != "" && !task.Valid() {
		badRequest(w, "invalid_task")
		return
	}

	start := time.Now()
	result, err := s.orch.Resolve(r.Context(), articleID, ruleID, task)
	metrics.ObserveAnalysis(time.Since(start))
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) && r.Context().Err() == nil {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "article_not_found"})
			return
		}
		s.writeError(w, r, err, "")
		return
	}

	if result.Candidates == nil {
		result.Candidates = []models.CandidateRule{}
	}
	if result.CachedRuleIDs == nil {
		result.CachedRuleIDs = []string{}
	}
	writeJSON(w, http.StatusOK, result)
}
