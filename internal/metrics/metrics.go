// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "qrattend"

var (
	// Admissions counts admission attempts by result ("accepted" or a
	// rejection reason).
	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admissions_total",
		Help:      "Admission attempts by result.",
	}, []string{"result"})

	AdmissionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "admission_duration_seconds",
		Help:      "Time spent deciding an admission attempt.",
		Buckets:   prometheus.DefBuckets,
	})

	// SessionsOpened counts openSession calls by outcome ("created" or "reused").
	SessionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_opened_total",
		Help:      "Session open requests by outcome.",
	}, []string{"outcome"})

	FlaggedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flagged_events_total",
		Help:      "Suspicious activity events by reason.",
	}, []string{"reason"})

	// FlagsDelivered counts flagged events taken off the queue by the worker.
	FlagsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flags_delivered_total",
		Help:      "Flagged activity events consumed by the operator feed.",
	}, []string{"reason"})

	PurgedRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "purged_rows_total",
		Help:      "Rows removed by the retention janitor.",
	}, []string{"kind"})
)
