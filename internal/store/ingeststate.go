package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/threatdesk/threatdesk/internal/models"
)

// LoadOrCreateIngestState returns the named cursor, creating it with a
// zero watermark on first use.
func (s *Store) LoadOrCreateIngestState(ctx context.Context, key string) (models.IngestState, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_state (key, last_seen_created_at) VALUES (?, 0)
		ON CONFLICT(key) DO NOTHING`, key); err != nil {
		return models.IngestState{}, fmt.Errorf("create ingest state %s: %w", key, err)
	}

	var (
		state     models.IngestState
		lastRunAt sql.NullInt64
		result    string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key, last_seen_created_at, last_run_at, last_result
		FROM ingest_state WHERE key = ?`, key).
		Scan(&state.Key, &state.LastSeenCreatedAt, &lastRunAt, &result)
	if err != nil {
		return models.IngestState{}, fmt.Errorf("load ingest state %s: %w", key, err)
	}
	if lastRunAt.Valid {
		state.LastRunAt = time.Unix(lastRunAt.Int64, 0).UTC()
	}
	if result != "" {
		// A corrupt summary is not worth failing a run over.
		_ = json.Unmarshal([]byte(result), &state.LastResult)
	}
	return state, nil
}

// SaveIngestRun advances the cursor watermark and records the run
// summary. The MAX guard keeps the watermark monotonically
// non-decreasing even if a caller passes a stale value.
func (s *Store) SaveIngestRun(ctx context.Context, key string, watermark int64, runAt time.Time, summary models.RunSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE ingest_state
		SET last_seen_created_at = MAX(last_seen_created_at, ?),
		    last_run_at = ?,
		    last_result = ?
		WHERE key = ?`,
		watermark, runAt.Unix(), string(payload), key)
	if err != nil {
		return fmt.Errorf("save ingest run %s: %w", key, err)
	}
	return nil
}
