package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// History metrics
	HistoryRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "theory_history_records",
			Help: "Records currently held in each scope's log",
		},
		[]string{"scope"},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "theory_events_total",
			Help: "Inbound events processed",
		},
		[]string{"kind"},
	)

	// Generation metrics
	GenerationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "theory_generation_attempts_total",
			Help: "Generation calls per model tier",
		},
		[]string{"purpose", "tier", "result"}, // result: "ok", "rate_limited", "error"
	)

	GenerationTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "theory_generation_tokens_total",
			Help: "Tokens reported by successful generation calls",
		},
		[]string{"purpose", "direction"}, // "prompt" or "output"
	)

	DescribeRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "theory_describe_retries_total",
			Help: "Rate limited media description attempts that were retried",
		},
	)

	// Compaction metrics
	Compactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "theory_compactions_total",
			Help: "Compaction runs by outcome",
		},
		[]string{"outcome"}, // "compacted", "restored", "failed"
	)

	CompactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "theory_compaction_duration_seconds",
			Help:    "Wall time of compaction runs that reached the model",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
)
