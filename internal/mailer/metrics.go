package mailer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailroom_jobs_enqueued_total",
			Help: "Total number of email jobs accepted by the dispatcher",
		},
	)

	enqueueRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailroom_enqueue_rejected_total",
			Help: "Total number of enqueue requests rejected before persistence",
		},
		[]string{"reason"}, // template_not_found, missing_variable
	)
)
