package processor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailroom_delivery_attempts_total",
			Help: "Total number of delivery attempts by outcome",
		},
		[]string{"outcome"}, // sent, retried, exhausted
	)

	attemptDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailroom_delivery_attempt_duration_seconds",
			Help:    "Duration of mail transport calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	ticksSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailroom_ticks_skipped_total",
			Help: "Total number of poll ticks skipped because a cycle was still running",
		},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailroom_queue_entries",
			Help: "Number of queue entries by status",
		},
		[]string{"status"}, // pending, failed
	)
)
