package models

import "time"

// RunSummary is the persisted structured outcome of one ingestion run.
type RunSummary struct {
	FetchedTotal    int   `json:"fetchedTotal"`
	MatchedTotal    int   `json:"matchedTotal"`
	Inserted        int   `json:"inserted"`
	SkippedExisting int   `json:"skippedExisting"`
	PagesFetched    int   `json:"pagesFetched"`
	StoppedEarly    bool  `json:"stoppedEarly"`
	DurationMS      int64 `json:"durationMs"`
}

// IngestState is the named cursor for one feed configuration. The
// watermark (LastSeenCreatedAt, unix seconds) is monotonically
// non-decreasing across successful runs.
type IngestState struct {
	Key               string
	LastSeenCreatedAt int64
	LastRunAt         time.Time
	LastResult        RunSummary
}

// RunResult is what an ingestion invocation reports back. Skipped is
// set when another run already held the single-flight guard.
type RunResult struct {
	RunSummary
	Skipped         bool  `json:"skipped,omitempty"`
	WatermarkBefore int64 `json:"lastSeenBefore"`
	WatermarkAfter  int64 `json:"lastSeenAfter"`
}
