package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/threatdesk/threatdesk/internal/analysis"
	"github.com/threatdesk/threatdesk/internal/api"
	"github.com/threatdesk/threatdesk/internal/cache"
	"github.com/threatdesk/threatdesk/internal/collab"
	"github.com/threatdesk/threatdesk/internal/config"
	"github.com/threatdesk/threatdesk/internal/feed"
	"github.com/threatdesk/threatdesk/internal/ingest"
	"github.com/threatdesk/threatdesk/internal/llm"
	"github.com/threatdesk/threatdesk/internal/metrics"
	"github.com/threatdesk/threatdesk/internal/rules"
	"github.com/threatdesk/threatdesk/internal/store"
	"github.com/threatdesk/threatdesk/internal/translate"
	"github.com/threatdesk/threatdesk/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting threatdesk", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open store", slog.String("path", cfg.Store.Path), slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	recorder := metrics.Recorder{}

	hnClient := feed.NewHNClient(cfg.Feed.BaseURL, cfg.Feed.Query, cfg.Feed.Timeout)
	engine := ingest.NewEngine(hnClient, db, recorder, logger, cfg.Feed)

	matcher := rules.NewMatcher(db, cache.NewTTLCache())
	importer := rules.NewImporter(db, logger)

	translator := translate.NewSigmaTranslator(
		cfg.Translator.Command, cfg.Translator.Script, cfg.Translator.Timeout, logger)

	var generator llm.Generator
	if cfg.LLM.Enabled {
		gemini, err := llm.NewGeminiClient(context.Background(), cfg.LLM.APIKey, cfg.LLM.Models, logger)
		if err != nil {
			logger.Error("failed to create llm client", slog.Any("error", err))
			os.Exit(1)
		}
		defer gemini.Close()
		generator = gemini
	} else {
		logger.Info("llm disabled, analysis slots will stay empty")
	}

	orch := analysis.NewOrchestrator(db, matcher, generator, translator, recorder, logger, cfg.LLM.PromptVersion)

	hub := collab.NewHub(db, logger)

	server := api.NewServer(cfg.Server.Address, api.Deps{
		Store:      db,
		Engine:     engine,
		Orch:       orch,
		Importer:   importer,
		Translator: translator,
		Hub:        hub,
		Fetcher:    feed.NewContentFetcher(cfg.Feed.Timeout),
		HNItems:    feed.NewHNItemClient(cfg.Feed.Timeout),
		Generator:  generator,
		Log:        logger,
		RulesDir:   cfg.Rules.Dir,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("http server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", slog.Any("error", err))
	}

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("threatdesk stopped")
}
