// Package ingest pulls stories from the upstream feed into the article
// store behind a monotone watermark cursor.
package ingest

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/threatdesk/threatdesk/internal/config"
	"github.com/threatdesk/threatdesk/internal/feed"
	"github.com/threatdesk/threatdesk/internal/models"
)

// Source pages the upstream feed newest-first.
type Source interface {
	SearchByDate(ctx context.Context, page, hitsPerPage int) ([]feed.Item, error)
}

// Store is the persistence surface the engine needs.
type Store interface {
	LoadOrCreateIngestState(ctx context.Context, key string) (models.IngestState, error)
	SaveIngestRun(ctx context.Context, key string, watermark int64, runAt time.Time, summary models.RunSummary) error
	InsertArticleIfAbsent(ctx context.Context, a models.Article) (bool, error)
}

// Recorder receives per-run observations. Implemented by the metrics
// package; may be nil.
type Recorder interface {
	ObserveIngestRun(summary models.RunSummary, failed bool)
}

// Engine runs incremental ingestion. A single Engine owns its feed
// cursor; concurrent Run calls on the same instance collapse to one
// worker and the rest report Skipped.
type Engine struct {
	source   Source
	store    Store
	recorder Recorder
	log      *slog.Logger
	cfg      config.FeedConfig

	running atomic.Bool

	// sleep is swapped out in tests so page throttling costs nothing.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine wires an ingestion engine. recorder may be nil.
func NewEngine(source Source, store Store, recorder Recorder, log *slog.Logger, cfg config.FeedConfig) *Engine {
	return &Engine{
		source:   source,
		store:    store,
		recorder: recorder,
		log:      log,
		cfg:      cfg,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes one ingestion pass. It fetches pages newest-first,
// filters titles against the keyword list, inserts unseen matches, and
// stops early once a page reaches items at or below the stored
// watermark. The watermark only advances when the whole run succeeds.
//
// If another Run on this engine is already in flight the call returns
// immediately with Skipped set and touches nothing.
func (e *Engine) Run(ctx context.Context) (models.RunResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.log.Info("ingest run skipped, another run in flight", "state_key", e.cfg.StateKey)
		return models.RunResult{Skipped: true}, nil
	}
	defer e.running.Store(false)

	start := time.Now()
	state, err := e.store.LoadOrCreateIngestState(ctx, e.cfg.StateKey)
	if err != nil {
		return models.RunResult{}, err
	}
	watermark := state.LastSeenCreatedAt

	e.log.Info("ingest run starting",
		"state_key", e.cfg.StateKey,
		"watermark", watermark,
		"max_pages", e.cfg.MaxPages)

	var summary models.RunSummary
	newestSeen := watermark

	for page := 0; page < e.cfg.MaxPages; page++ {
		items, err := e.source.SearchByDate(ctx, page, e.cfg.HitsPerPage)
		if err != nil {
			// Abort without advancing the cursor so the next run
			// re-covers this ground.
			e.log.Error("ingest page fetch failed", "page", page, "error", err)
			e.observe(summary, true)
			return models.RunResult{}, err
		}
		summary.PagesFetched++
		summary.FetchedTotal += len(items)

		if len(items) == 0 {
			summary.StoppedEarly = true
			break
		}

		reachedWatermark := false
		for _, item := range items {
			if item.CreatedAt > newestSeen {
				newestSeen = item.CreatedAt
			}
			if item.CreatedAt <= watermark {
				reachedWatermark = true
				continue
			}
			if !e.titleMatches(item.Title) {
				continue
			}
			summary.MatchedTotal++

			inserted, err := e.store.InsertArticleIfAbsent(ctx, models.Article{
				ExternalID:  item.ExternalID,
				Source:      "hackernews",
				Title:       item.Title,
				URL:         item.URL,
				PublishTime: time.Unix(item.CreatedAt, 0).UTC(),
				Status:      models.StatusNew,
			})
			if err != nil {
				e.observe(summary, true)
				return models.RunResult{}, err
			}
			if inserted {
				summary.Inserted++
			} else {
				summary.SkippedExisting++
			}
		}

		if reachedWatermark {
			summary.StoppedEarly = true
			break
		}

		if page < e.cfg.MaxPages-1 {
			if err := e.sleep(ctx, e.cfg.PageDelay); err != nil {
				e.observe(summary, true)
				return models.RunResult{}, err
			}
		}
	}

	summary.DurationMS = time.Since(start).Milliseconds()

	if err := e.store.SaveIngestRun(ctx, e.cfg.StateKey, newestSeen, time.Now().UTC(), summary); err != nil {
		e.observe(summary, true)
		return models.RunResult{}, err
	}

	e.log.Info("ingest run finished",
		"state_key", e.cfg.StateKey,
		"fetched", summary.FetchedTotal,
		"matched", summary.MatchedTotal,
		"inserted", summary.Inserted,
		"skipped_existing", summary.SkippedExisting,
		"pages", summary.PagesFetched,
		"stopped_early", summary.StoppedEarly,
		"watermark_before", watermark,
		"watermark_after", newestSeen,
		"duration_ms", summary.DurationMS)

	e.observe(summary, false)
	return models.RunResult{
		RunSummary:      summary,
		WatermarkBefore: watermark,
		WatermarkAfter:  newestSeen,
	}, nil
}

func (e *Engine) observe(summary models.RunSummary, failed bool) {
	if e.recorder != nil {
		e.recorder.ObserveIngestRun(summary, failed)
	}
}

// titleMatches reports whether a story title contains any configured
// security keyword, case-insensitively.
func (e *Engine) titleMatches(title string) bool {
	if len(e.cfg.Keywords) == 0 {
		return true
	}
	lower := strings.ToLower(title)
	for _, kw := range e.cfg.Keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
