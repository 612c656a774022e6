package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamespace = "ghagent_webhook"

const (
	eventTypeLabel = "event_type"
	resultLabel    = "result"
)

const (
	resultAccepted     = "accepted"
	resultIgnored      = "ignored"
	resultUnauthorized = "unauthorized"
	resultError        = "error"
	resultOverloaded   = "overloaded"
)

type metricCollector struct {
	receivedEvents *prometheus.CounterVec
	handledEvents  *prometheus.CounterVec
	publishedItems prometheus.Counter
	lostItems      prometheus.Counter
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		receivedEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "received_events_total",
				Help:      "count of received webhook events",
			},
			[]string{eventTypeLabel},
		),
		handledEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "handled_events_total",
				Help:      "count of handled webhook events by result",
			},
			[]string{resultLabel},
		),
		publishedItems: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "published_workitems_total",
				Help:      "count of work items published to the queue backend",
			},
		),
		lostItems: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "lost_workitems_total",
				Help:      "count of work items that could not be published and were dropped",
			},
		),
	}
}
