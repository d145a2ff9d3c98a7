// Package metrics exposes ingestion counters through the default prometheus
// registry. The run command writes them to a node_exporter textfile.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	jobsTotal     *prometheus.CounterVec
	rowsTotal     *prometheus.CounterVec
	verdictsTotal *prometheus.CounterVec
	artifacts     prometheus.Counter

	jobDuration *prometheus.HistogramVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		jobsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingestor",
			Name:      "jobs_total",
			Help:      "Total number of finished processing jobs.",
		}, []string{"status"}),
		rowsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingestor",
			Name:      "rows_total",
			Help:      "Total number of report rows by outcome.",
		}, []string{"outcome"}),
		verdictsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingestor",
			Name:      "detector_verdicts_total",
			Help:      "Total number of inference verdicts by step and outcome.",
		}, []string{"step", "outcome"}),
		artifacts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "ingestor",
			Name:      "review_artifacts_total",
			Help:      "Total number of review workbooks written.",
		}),
		jobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ingestor",
			Name:      "job_duration_seconds",
			Help:      "Time spent processing one file.",
			Buckets: []float64{
				0.01, 0.05, 0.1,
				0.25, 0.5, 1,
				2.5, 5, 10, 30,
			},
		}, []string{"status"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}

// Row outcomes
const (
	RowsInserted  = "inserted"
	RowsFailed    = "failed"
	RowsDuplicate = "duplicate"
)

// ObserveJob records a terminal job
func ObserveJob(status string, elapsed time.Duration) {
	m := getMetrics()
	m.jobsTotal.WithLabelValues(status).Inc()
	m.jobDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// AddRows counts n rows under outcome
func AddRows(outcome string, n int) {
	if n <= 0 {
		return
	}
	getMetrics().rowsTotal.WithLabelValues(outcome).Add(float64(n))
}

// ObserveVerdict counts one inference verdict
func ObserveVerdict(step, outcome string) {
	getMetrics().verdictsTotal.WithLabelValues(step, outcome).Inc()
}

// AddArtifacts counts written review workbooks
func AddArtifacts(n int) {
	if n > 0 {
		getMetrics().artifacts.Add(float64(n))
	}
}

// WriteTextfile writes every registered metric to path in the text
// exposition format.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
