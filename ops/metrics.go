// Package ops holds operational metrics shared across the pipeline.
package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChecksTotal counts change-detection probes by outcome and method.
	ChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_checks_total",
		Help: "Change-detection checks, by status and detection method.",
	}, []string{"status", "method"})

	// PagesFetchedTotal counts pages fetched by the crawler, by outcome.
	PagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_pages_fetched_total",
		Help: "Pages fetched during acquisition, by outcome.",
	}, []string{"outcome"})

	// CommitRetriesTotal counts fast-forward conflicts retried by the remote store.
	CommitRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_commit_retries_total",
		Help: "Remote commits re-parented after a non-fast-forward conflict.",
	})

	// CommitsTotal counts durable commits, by backend.
	CommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_commits_total",
		Help: "Durable store commits, by backend.",
	}, []string{"backend"})

	// ExtractionsTotal counts extraction-driver dispositions.
	ExtractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_extractions_total",
		Help: "Extraction driver results, by disposition.",
	}, []string{"disposition"})

	// FetchDuration observes wall time of page fetches.
	FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_fetch_duration_seconds",
		Help:    "Duration of page fetches.",
		Buckets: prometheus.DefBuckets,
	})
)
