package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/threatdesk/threatdesk/internal/models"
)

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Run(r.Context())
	if err != nil {
		s.writeError(w, r, err, "ingest_failed")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		models.RunResult
	}{OK: true, RunResult: result})
}

func (s *Server) handleListArticles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	statusCSV := q.Get("status")
	if statusCSV == "" {
		statusCSV = "NEW,READ,IN_PROGRESS"
	}

	filter := models.ArticleFilter{
		Statuses:       statusesFromCSV(statusCSV),
		TitleContains:  strings.TrimSpace(q.Get("title")),
		AssignedTo:     strings.TrimSpace(q.Get("assignedTo")),
		IncludeDeleted: q.Get("includeDeleted") == "true",
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if t, ok := parseDate(q.Get("startDate")); ok {
		filter.PublishedAfter = t
	}
	if t, ok := parseDate(q.Get("endDate")); ok {
		filter.PublishedBefore = t
	}

	items, err := s.store.ListArticles(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	if items == nil {
		items = []models.Article{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "items": items})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "externalID")

	var body struct {
		ReadBy string `json:"readBy"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			s.writeError(w, r, err, "")
			return
		}
	}

	item, err := s.store.MarkArticleRead(r.Context(), externalID, strings.TrimSpace(body.ReadBy))
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "item": item})
}

func (s *Server) handlePatchArticle(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "externalID")

	var body struct {
		Status     *string `json:"status"`
		AssignedTo *string `json:"assignedTo"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err, "")
		return
	}

	var status *models.ArticleStatus
	if body.Status != nil && *body.Status != "" {
		st := models.ArticleStatus(*body.Status)
		if !st.Valid() {
			badRequest(w, "invalid_status")
			return
		}
		status = &st
	}

	item, err := s.store.UpdateArticle(r.Context(), externalID, status, body.AssignedTo)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	if status != nil {
		s.hub.BroadcastStatusChanged(externalID, string(*status), "")
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "item": item})
}

func (s *Server) handleDeleteArticle(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "externalID")

	if err := s.store.SoftDeleteArticle(r.Context(), externalID); err != nil {
		s.writeError(w, r, err, "")
		return
	}
	s.hub.BroadcastRemoved(externalID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleUnlockArticle force-releases a session lock from the HTTP side.
// With a username in the body the release is owner-checked; without
// one it is unconditional. A no-op release still reports ok.
func (s *Server) handleUnlockArticle(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "externalID")

	var body struct {
		Username string `json:"username"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			s.writeError(w, r, err, "")
			return
		}
	}

	if _, err := s.store.GetArticle(r.Context(), externalID, true); err != nil {
		s.writeError(w, r, err, "")
		return
	}
	if _, err := s.store.ClearArticleLock(r.Context(), externalID, strings.TrimSpace(body.Username)); err != nil {
		s.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func splitCSV(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseDate(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
