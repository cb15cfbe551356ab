package ingest

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/threatdesk/threatdesk/internal/config"
	"github.com/threatdesk/threatdesk/internal/feed"
	"github.com/threatdesk/threatdesk/internal/models"
	"github.com/threatdesk/threatdesk/internal/utils"
)

type sourceStub struct {
	mu      sync.Mutex
	pages   [][]feed.Item
	err     error
	calls   int
	started chan struct{}
	release chan struct{}
}

func (s *sourceStub) SearchByDate(ctx context.Context, page, hitsPerPage int) ([]feed.Item, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.started != nil {
		s.started <- struct{}{}
		<-s.release
	}
	if s.err != nil {
		return nil, s.err
	}
	if page >= len(s.pages) {
		return nil, nil
	}
	return s.pages[page], nil
}

type storeStub struct {
	mu        sync.Mutex
	watermark int64
	articles  map[string]models.Article
	saved     bool
	saveErr   error
	summary   models.RunSummary
}

func newStoreStub(watermark int64) *storeStub {
	return &storeStub{watermark: watermark, articles: map[string]models.Article{}}
}

func (s *storeStub) LoadOrCreateIngestState(ctx context.Context, key string) (models.IngestState, error) {
	return models.IngestState{Key: key, LastSeenCreatedAt: s.watermark}, nil
}

func (s *storeStub) SaveIngestRun(ctx context.Context, key string, watermark int64, runAt time.Time, summary models.RunSummary) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	if watermark > s.watermark {
		s.watermark = watermark
	}
	s.saved = true
	s.summary = summary
	return nil
}

func (s *storeStub) InsertArticleIfAbsent(ctx context.Context, a models.Article) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.articles[a.ExternalID]; ok {
		return false, nil
	}
	s.articles[a.ExternalID] = a
	return true, nil
}

func testFeedConfig() config.FeedConfig {
	return config.FeedConfig{
		HitsPerPage: 100,
		MaxPages:    10,
		PageDelay:   150 * time.Millisecond,
		StateKey:    "test",
		Keywords:    []string{"security", "cve", "malware"},
	}
}

func newTestEngine(source Source, store Store) *Engine {
	e := NewEngine(source, store, nil, utils.NewLoggerTo(io.Discard, "error", false), testFeedConfig())
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return e
}

func item(id string, ts int64, title string) feed.Item {
	return feed.Item{ExternalID: id, Title: title, URL: "https://example.com/" + id, CreatedAt: ts}
}

func TestRunStopsAtWatermark(t *testing.T) {
	source := &sourceStub{pages: [][]feed.Item{{
		item("hn_3", 100, "New CVE in popular library"),
		item("hn_2", 90, "Malware campaign hits registries"),
		item("hn_1", 80, "Security advisory roundup"),
	}}}
	store := newStoreStub(90)

	result, err := newTestEngine(source, store).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(store.articles) != 1 {
		t.Fatalf("expected 1 insert, got %d", len(store.articles))
	}
	if _, ok := store.articles["hn_3"]; !ok {
		t.Fatalf("expected hn_3 inserted")
	}
	if !result.StoppedEarly {
		t.Fatalf("expected early stop at watermark")
	}
	if result.WatermarkAfter != 100 {
		t.Fatalf("expected watermark 100, got %d", result.WatermarkAfter)
	}
	if source.calls != 1 {
		t.Fatalf("expected no further pages after watermark hit, got %d calls", source.calls)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	source := &sourceStub{pages: [][]feed.Item{{
		item("hn_2", 200, "Ransomware gang exploits new CVE"),
		item("hn_1", 150, "Security patch released"),
	}}}
	store := newStoreStub(0)
	engine := newTestEngine(source, store)

	first, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Inserted != 2 {
		t.Fatalf("expected 2 inserts, got %d", first.Inserted)
	}

	second, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Inserted != 0 {
		t.Fatalf("expected no inserts on re-run, got %d", second.Inserted)
	}
	if second.WatermarkAfter != 200 {
		t.Fatalf("watermark regressed: %d", second.WatermarkAfter)
	}
}

func TestRunKeywordFilter(t *testing.T) {
	source := &sourceStub{pages: [][]feed.Item{{
		item("hn_2", 120, "Show HN: my weekend side project"),
		item("hn_1", 110, "Critical CVE disclosed in ssl stack"),
	}}}
	store := newStoreStub(0)

	result, err := newTestEngine(source, store).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Inserted != 1 {
		t.Fatalf("expected only the security title inserted, got %d", result.Inserted)
	}
	// Non-matching items still advance the watermark.
	if result.WatermarkAfter != 120 {
		t.Fatalf("expected watermark 120, got %d", result.WatermarkAfter)
	}
}

func TestRunFailedPageLeavesCursor(t *testing.T) {
	source := &sourceStub{err: errors.New("upstream down")}
	store := newStoreStub(75)

	_, err := newTestEngine(source, store).Run(context.Background())
	if err == nil {
		t.Fatalf("expected error from failed page")
	}
	if store.saved {
		t.Fatalf("cursor must not advance on a failed run")
	}
	if store.watermark != 75 {
		t.Fatalf("watermark changed: %d", store.watermark)
	}
}

func TestRunEmptyPageStops(t *testing.T) {
	source := &sourceStub{pages: [][]feed.Item{{
		item("hn_1", 50, "security news"),
	}, {}}}
	store := newStoreStub(0)

	result, err := newTestEngine(source, store).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.StoppedEarly {
		t.Fatalf("expected early stop on empty page")
	}
	if result.PagesFetched != 2 {
		t.Fatalf("expected 2 pages fetched, got %d", result.PagesFetched)
	}
}

func TestRunConcurrentCallSkips(t *testing.T) {
	source := &sourceStub{
		pages:   [][]feed.Item{{item("hn_1", 10, "cve")}},
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	store := newStoreStub(0)
	engine := newTestEngine(source, store)

	done := make(chan error, 1)
	go func() {
		_, err := engine.Run(context.Background())
		done <- err
	}()

	<-source.started

	skipped, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("concurrent run: %v", err)
	}
	if !skipped.Skipped {
		t.Fatalf("expected concurrent run to be skipped")
	}

	close(source.release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}
