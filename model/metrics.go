package model

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MustRegisterMetrics will register all statement related metrics on the given registry.
// If metrics with the same name already exist on the registry this function will panic.
func MustRegisterMetrics(registry *prometheus.Registry) {
	registry.MustRegister(statementCounter, statementDuration, statementRecords)
}

func sample(model string, method Method, elapsed time.Duration, records int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	labels := prometheus.Labels{
		"model":  model,
		"method": string(method),
		"status": status,
	}
	statementCounter.With(labels).Inc()
	statementDuration.With(labels).Observe(elapsed.Seconds())
	statementRecords.With(labels).Observe(float64(records))
}

var (
	statementCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelkit_statement_total",
			Help: "Total of invoked statements",
		},
		[]string{"model", "method", "status"},
	)
	statementDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "modelkit_statement_duration_seconds",
			Help: "Duration of statements, including reverts",
			// statements run in memory, most of them take less than a millisecond.
			Buckets: prometheus.ExponentialBucketsRange(0.00001, 10, 20),
		},
		[]string{"model", "method", "status"},
	)
	statementRecords = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelkit_statement_records",
			Help:    "Records returned by searches or affected by writes",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
		[]string{"model", "method", "status"},
	)
)
