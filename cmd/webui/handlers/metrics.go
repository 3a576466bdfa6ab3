package handlers

import (
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vlm_webui_ws_connections_active",
		Help: "Number of active WebSocket connections",
	})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vlm_webui_requests_total",
		Help: "HTTP requests by method, route and status class",
	}, []string{"method", "route", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vlm_webui_request_duration_seconds",
		Help:    "HTTP request duration",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"route"})

	eventsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vlm_webui_ws_events_sent_total",
		Help: "Events written to WebSocket clients by type",
	}, []string{"type"})

	totalErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vlm_webui_errors_total",
		Help: "Errors returned to clients by type",
	}, []string{"type"})
)

func RecordError(errType string) {
	totalErrors.WithLabelValues(errType).Inc()
}

// routeLabel keeps label cardinality bounded: node runs collapse to one
// route.
func routeLabel(path string) string {
	if strings.HasPrefix(path, nodesPath+"/") {
		return nodesPath + "/{name}"
	}
	return path
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
