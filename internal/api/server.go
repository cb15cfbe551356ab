// Package api exposes the triage service over HTTP: feed ingestion,
// article lifecycle, rule management, analysis, and the collaboration
// websocket.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/threatdesk/threatdesk/internal/analysis"
	"github.com/threatdesk/threatdesk/internal/collab"
	"github.com/threatdesk/threatdesk/internal/feed"
	"github.com/threatdesk/threatdesk/internal/ingest"
	"github.com/threatdesk/threatdesk/internal/llm"
	"github.com/threatdesk/threatdesk/internal/models"
	"github.com/threatdesk/threatdesk/internal/rules"
	"github.com/threatdesk/threatdesk/internal/store"
	"github.com/threatdesk/threatdesk/internal/translate"
)

// Server bundles the HTTP surface and its collaborators.
type Server struct {
	store      *store.Store
	engine     *ingest.Engine
	orch       *analysis.Orchestrator
	importer   *rules.Importer
	translator translate.Converter
	hub        *collab.Hub
	fetcher    *feed.ContentFetcher
	hnItems    *feed.HNItemClient
	generator  llm.Generator
	log        *slog.Logger
	rulesDir   string

	httpServer *http.Server
}

// Deps collects everything the server needs.
type Deps struct {
	Store      *store.Store
	Engine     *ingest.Engine
	Orch       *analysis.Orchestrator
	Importer   *rules.Importer
	Translator translate.Converter
	Hub        *collab.Hub
	Fetcher    *feed.ContentFetcher
	HNItems    *feed.HNItemClient
	Generator  llm.Generator
	Log        *slog.Logger
	RulesDir   string
}

// NewServer wires the HTTP server on the given listen address.
func NewServer(addr string, d Deps) *Server {
	s := &Server{
		store:      d.Store,
		engine:     d.Engine,
		orch:       d.Orch,
		importer:   d.Importer,
		translator: d.Translator,
		hub:        d.Hub,
		fetcher:    d.Fetcher,
		hnItems:    d.HNItems,
		generator:  d.Generator,
		log:        d.Log,
		rulesDir:   d.RulesDir,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/ti", func(r chi.Router) {
		r.Post("/ingest/hn", s.handleIngest)
		r.Get("/articles", s.handleListArticles)
		r.Post("/articles/{externalID}/read", s.handleMarkRead)
		r.Patch("/articles/{externalID}", s.handlePatchArticle)
		r.Delete("/articles/{externalID}", s.handleDeleteArticle)
		r.Post("/articles/{externalID}/unlock", s.handleUnlockArticle)
		r.Post("/articles/{externalID}/enrich", s.handleEnrichArticle)
	})

	r.Get("/suggested", s.handleSuggested)

	r.Route("/sigma", func(r chi.Router) {
		r.Get("/", s.handleListRules)
		r.Get("/search", s.handleSearchRules)
		r.Get("/categories", s.handleRuleCategories)
		r.Post("/", s.handleCreateRule)
		r.Put("/{ruleID}", s.handleUpdateRule)
		r.Delete("/{ruleID}", s.handleDeleteRule)
		r.Post("/import/local", s.handleImportRules)
		r.Post("/convert", s.handleConvertRule)
	})

	r.Get("/ws", s.hub.ServeWS)

	return r
}

// Start runs the listener until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("http server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// statusesFromCSV parses the status filter, dropping unknown values.
func statusesFromCSV(csv string) []models.ArticleStatus {
	var out []models.ArticleStatus
	for _, part := range splitCSV(csv) {
		st := models.ArticleStatus(part)
		if st.Valid() {
			out = append(out, st)
		}
	}
	return out
}
