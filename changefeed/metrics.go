package changefeed

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MustRegisterMetrics will register all change feed metrics on the given registry.
// If metrics with the same name already exist on the registry this function will panic.
func MustRegisterMetrics(registry *prometheus.Registry) {
	registry.MustRegister(publishMsgBodySize, publishDuration, publishCounter,
		processMsgBodySize, processCounter, processDuration)
}

func samplePublish(name string, elapsed time.Duration, bodySize int, err error) {
	labels := prometheus.Labels{
		"status": status(err),
		"name":   name,
	}
	publishMsgBodySize.With(labels).Observe(float64(bodySize))
	publishDuration.With(labels).Observe(elapsed.Seconds())
	publishCounter.With(labels).Inc()
}

func sampleProcess(name string, elapsed time.Duration, bodySize int, err error) {
	labels := prometheus.Labels{
		"status": status(err),
		"name":   name,
	}
	processMsgBodySize.With(labels).Observe(float64(bodySize))
	processDuration.With(labels).Observe(elapsed.Seconds())
	processCounter.With(labels).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

var (
	// changes carry keys only, so bodies are small.
	bodySizeBuckets    = prometheus.ExponentialBucketsRange(64, 1024*1024, 20)
	publishMsgBodySize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "changefeed_publish_msg_body_size_bytes",
			Help:    "Size in bytes of published change message body",
			Buckets: bodySizeBuckets,
		},
		[]string{"status", "name"},
	)
	publishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "changefeed_publish_duration_seconds",
			Help:    "Duration of change publish",
			Buckets: []float64{.01, .05, .1, .2, .3, .4, .5, 1, 2, 5, 10, 30},
		},
		[]string{"status", "name"},
	)
	publishCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changefeed_publish_total",
			Help: "Total of published changes",
		},
		[]string{"status", "name"},
	)
	processDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "changefeed_process_duration_seconds",
			Help:    "Duration of change processing",
			Buckets: []float64{.01, .05, .1, .2, .3, .4, .5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status", "name"},
	)
	processMsgBodySize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "changefeed_process_msg_body_size_bytes",
			Help:    "Size in bytes of processed change message body",
			Buckets: bodySizeBuckets,
		},
		[]string{"status", "name"},
	)
	processCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changefeed_process_total",
			Help: "Total of processed changes",
		},
		[]string{"status", "name"},
	)
)
