package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/threatdesk/threatdesk/internal/models"
)

const (
	// OutcomeSuccess labels completed operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations.
	OutcomeError = "error"
)

var (
	ingestRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "threatdesk",
			Name:      "ingest_runs_total",
			Help:      "Total number of ingestion runs, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	ingestArticlesInserted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "threatdesk",
			Name:      "ingest_articles_inserted_total",
			Help:      "Total number of new articles stored by ingestion runs.",
		},
	)

	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "threatdesk",
			Name:      "llm_generations_total",
			Help:      "Total number of LLM slot generations, partitioned by task and outcome.",
		},
		[]string{"task", "outcome"},
	)

	translationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "threatdesk",
			Name:      "rule_translations_total",
			Help:      "Total number of rule-to-query translations, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	analysisDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "threatdesk",
			Name:      "analysis_seconds",
			Help:      "Analysis resolve latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
	)
)

// Register attaches threatdesk collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		ingestRunsTotal,
		ingestArticlesInserted,
		generationsTotal,
		translationsTotal,
		analysisDurationSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// Recorder satisfies the observation interfaces of the ingest and
// analysis packages.
type Recorder struct{}

// ObserveIngestRun records one ingestion run.
func (Recorder) ObserveIngestRun(summary models.RunSummary, failed bool) {
	outcome := OutcomeSuccess
	if failed {
		outcome = OutcomeError
	}
	ingestRunsTotal.WithLabelValues(outcome).Inc()
	ingestArticlesInserted.Add(float64(summary.Inserted))
}

// ObserveGeneration records one LLM slot generation attempt.
func (Recorder) ObserveGeneration(task, outcome string) {
	generationsTotal.WithLabelValues(task, outcome).Inc()
}

// ObserveTranslation records one rule translation attempt.
func (Recorder) ObserveTranslation(outcome string) {
	translationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveAnalysis records an analysis resolve duration.
func ObserveAnalysis(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	analysisDurationSeconds.Observe(duration.Seconds())
}
