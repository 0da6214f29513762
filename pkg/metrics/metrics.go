// Package metrics holds the Prometheus collectors shared by the report
// pipeline and the store API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tsreport"

var (
	// FetchRequests counts fetch primitive calls by source and outcome
	// (ok, empty, error).
	FetchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_requests_total",
		Help:      "Number of range queries issued against a time-series source.",
	}, []string{"source", "outcome"})

	// FetchDuration observes fetch latency by source.
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fetch_duration_seconds",
		Help:      "Latency of range queries against a time-series source.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})

	// CacheLookups counts point cache lookups by result (exact, nearest, miss).
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "point_cache_lookups_total",
		Help:      "Point cache lookups by match kind.",
	}, []string{"result"})

	// TaskCompletions counts background task terminal events by outcome
	// (success, failure, cancelled).
	TaskCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_completions_total",
		Help:      "Terminal events emitted by the async task controller.",
	}, []string{"outcome"})

	// SamplesWritten counts samples ingested into the local store.
	SamplesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_samples_written_total",
		Help:      "Samples written to the local time-series store.",
	})
)
