package agenttools

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamespace = "ghagent_toolsrv"

const (
	toolLabel   = "tool"
	resultLabel = "result"
)

const (
	resultSuccess     = "success"
	resultDenied      = "denied"
	resultUnknownTool = "unknown_tool"
	resultBadParams   = "bad_params"
	resultError       = "error"
)

type metricCollector struct {
	toolCalls *prometheus.CounterVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		toolCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "tool_calls_total",
				Help:      "count of tool invocations by tool name and result",
			},
			[]string{toolLabel, resultLabel},
		),
	}
}
