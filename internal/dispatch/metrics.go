package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamespace = "ghagent_worker"

const resultLabel = "result"

const (
	resultSuccess = "success"
	resultError   = "error"
	resultDropped = "dropped"
)

type metricCollector struct {
	processedItems     *prometheus.CounterVec
	processingDuration prometheus.Histogram
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		processedItems: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "processed_workitems_total",
				Help:      "count of processed work items by result",
			},
			[]string{resultLabel},
		),
		processingDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricNamespace,
				Name:      "processing_duration_seconds",
				Help:      "duration of work item processing including the agent run",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
	}
}
