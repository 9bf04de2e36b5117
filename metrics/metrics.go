package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatcloud_events_ingested_total",
			Help: "Total number of enriched threat events ingested",
		},
		[]string{"source_type"},
	)

	EventsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threatcloud_events_deduplicated_total",
			Help: "Total number of re-ingested events dropped by hash dedup",
		},
	)

	IndicatorUpserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatcloud_indicator_upserts_total",
			Help: "Total number of indicator upserts",
		},
		[]string{"outcome"}, // created, merged
	)

	IndicatorsScored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threatcloud_indicators_scored_total",
			Help: "Total number of indicators scored by the reputation engine",
		},
	)

	ReputationRecomputeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "threatcloud_reputation_recompute_duration_seconds",
			Help:    "Time taken by full reputation recompute runs",
			Buckets: prometheus.DefBuckets,
		},
	)

	CampaignsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threatcloud_campaigns_detected_total",
			Help: "Total number of campaigns produced by correlation scans",
		},
	)

	RulesPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threatcloud_rules_published_total",
			Help: "Total number of generated detection rules published",
		},
	)

	SchedulerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatcloud_scheduler_runs_total",
			Help: "Total number of scheduled job runs",
		},
		[]string{"job", "outcome"}, // completed, failed, skipped
	)

	AuditWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threatcloud_audit_write_failures_total",
			Help: "Total number of best-effort audit writes that failed",
		},
	)

	FeedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatcloud_feed_requests_total",
			Help: "Total number of egress feed requests served",
		},
		[]string{"feed"},
	)
)
