package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/threatdesk/threatdesk/internal/llm"
	"github.com/threatdesk/threatdesk/internal/models"
	"github.com/threatdesk/threatdesk/internal/utils"
)

// handleEnrichArticle resolves the article's body text and asks the
// model for a structured read of it. The resolved text is persisted so
// later summary generations reuse it instead of refetching.
func (s *Server) handleEnrichArticle(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "externalID")

	article, err := s.store.GetArticle(r.Context(), externalID, false)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}

	text, err := s.resolveContent(r.Context(), article)
	if err != nil {
		s.writeError(w, r, err, "content_fetch_failed")
		return
	}

	enrichment := models.ArticleEnrichment{}
	if s.generator != nil {
		enrichment, err = llm.EnrichArticle(r.Context(), s.generator, s.log, article.Title, article.URL, text)
		if err != nil {
			s.writeError(w, r, err, "enrichment_failed")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"contentText": text,
		"enrichment":  enrichment,
	})
}

// resolveContent returns the article body, fetching and persisting it
// on first use. When the linked page is unreachable or too thin, the
// Hacker News discussion stands in for it.
func (s *Server) resolveContent(ctx context.Context, article models.Article) (string, error) {
	if article.ContentText != "" {
		return article.ContentText, nil
	}

	var text string
	if s.fetcher != nil && article.URL != "" {
		fetched, err := s.fetcher.Fetch(ctx, article.URL)
		if err == nil {
			text = fetched.Text
		} else if utils.IsCancelled(err) {
			return "", err
		} else {
			s.log.Warn("article fetch failed, falling back to discussion",
				"article", article.ExternalID, "error", err)
		}
	}

	if text == "" && s.hnItems != nil {
		dc, err := s.hnItems.FetchContext(ctx, article.ExternalID, 10)
		if err != nil {
			if utils.IsCancelled(err) {
				return "", err
			}
			return "", utils.NewAppError("api.resolveContent", "no content source available", err)
		}
		text = dc.Text()
	}
	if text == "" {
		return "", utils.NotFound("api.resolveContent", "no content for "+article.ExternalID)
	}

	if err := s.store.SetArticleContent(ctx, article.ExternalID, text); err != nil {
		return "", err
	}
	return text, nil
}
