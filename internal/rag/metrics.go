package rag

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline stages recorded in stage timings.
const (
	StageScrub      = "scrub"
	StageChunk      = "chunk"
	StageEmbed      = "embed"
	StageUpsert     = "upsert"
	StageRetrieve   = "retrieve"
	StageRerank     = "rerank"
	StageSynthesize = "synthesize"
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	requests        *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	rerankTier      *prometheus.CounterVec
	chunksInserted  prometheus.Counter
	chunksDeleted   prometheus.Counter
	secretsRedacted prometheus.Counter
}

// NewMetrics registers the pipeline collectors with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics
// handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ragd",
				Subsystem: "pipeline",
				Name:      "requests_total",
				Help:      "Pipeline requests by operation and outcome (ok or failure kind)",
			},
			[]string{"operation", "outcome"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ragd",
				Subsystem: "pipeline",
				Name:      "stage_duration_seconds",
				Help:      "Duration of each pipeline stage in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),
		rerankTier: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ragd",
				Subsystem: "rerank",
				Name:      "tier_total",
				Help:      "Rerank results by the tier that produced them",
			},
			[]string{"tier"},
		),
		chunksInserted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "ingest",
			Name:      "chunks_inserted_total",
			Help:      "Chunks written by ingestion",
		}),
		chunksDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "ingest",
			Name:      "chunks_deleted_total",
			Help:      "Chunks replaced or removed by ingestion",
		}),
		secretsRedacted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "ingest",
			Name:      "secrets_redacted_total",
			Help:      "Secrets redacted from ingested text",
		}),
	}
}

// RecordRequest counts a finished request. A nil err is recorded as "ok".
func (m *Metrics) RecordRequest(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = Classify(err).String()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
}

// RecordStage observes one stage duration.
func (m *Metrics) RecordStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordRerankTier counts the tier that produced a rerank result.
func (m *Metrics) RecordRerankTier(tier string) {
	if m == nil {
		return
	}
	m.rerankTier.WithLabelValues(tier).Inc()
}

// RecordIngest counts chunks changed by an ingestion.
func (m *Metrics) RecordIngest(deleted, inserted, redacted int) {
	if m == nil {
		return
	}
	m.chunksDeleted.Add(float64(deleted))
	m.chunksInserted.Add(float64(inserted))
	m.secretsRedacted.Add(float64(redacted))
}
