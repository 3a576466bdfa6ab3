package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DownloadAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vlm_download_attempts_total",
		Help: "Download attempts by kind (file, repository) and result",
	}, []string{"kind", "result"})

	DownloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vlm_download_bytes_total",
		Help: "Bytes written to disk by the download manager",
	})

	DownloadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vlm_download_duration_seconds",
		Help:    "Wall time of successful downloads",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
	}, []string{"kind"})

	RemoteRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vlm_remote_requests_total",
		Help: "Chat-completion requests sent to remote services",
	}, []string{"api_type", "outcome"})

	RemoteRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vlm_remote_request_duration_seconds",
		Help:    "Latency of chat-completion requests",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"api_type"})

	ServiceProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vlm_service_probes_total",
		Help: "Availability probes of remote services",
	}, []string{"api_type", "available"})

	EngineLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vlm_engine_loads_total",
		Help: "Model loads by engine and result",
	}, []string{"engine", "result"})

	EngineUnloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vlm_engine_unloads_total",
		Help: "Model unloads by engine",
	}, []string{"engine"})

	LoadedModels = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vlm_loaded_models",
		Help: "Models currently held by each engine",
	}, []string{"engine"})

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vlm_inference_duration_seconds",
		Help:    "Duration of local inference calls",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"engine"})

	NodeExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vlm_node_executions_total",
		Help: "Node executions by node name and outcome",
	}, []string{"node", "outcome"})
)

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func RecordDownload(kind string, err error, duration time.Duration) {
	DownloadAttempts.WithLabelValues(kind, outcome(err)).Inc()
	if err == nil {
		DownloadDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

func RecordDownloadBytes(n int64) {
	if n > 0 {
		DownloadBytes.Add(float64(n))
	}
}

func RecordRemoteRequest(apiType string, err error, duration time.Duration) {
	RemoteRequests.WithLabelValues(apiType, outcome(err)).Inc()
	RemoteRequestDuration.WithLabelValues(apiType).Observe(duration.Seconds())
}

func RecordServiceProbe(apiType string, available bool) {
	label := "false"
	if available {
		label = "true"
	}
	ServiceProbes.WithLabelValues(apiType, label).Inc()
}

// RecordEngineLoad counts a load attempt and, on success, the resident model.
func RecordEngineLoad(engine string, err error) {
	EngineLoads.WithLabelValues(engine, outcome(err)).Inc()
	if err == nil {
		LoadedModels.WithLabelValues(engine).Inc()
	}
}

func RecordEngineUnload(engine string, count int) {
	if count <= 0 {
		return
	}
	EngineUnloads.WithLabelValues(engine).Add(float64(count))
	LoadedModels.WithLabelValues(engine).Sub(float64(count))
}

func RecordInference(engine string, duration time.Duration) {
	InferenceDuration.WithLabelValues(engine).Observe(duration.Seconds())
}

func RecordNodeExecution(node string, err error) {
	NodeExecutions.WithLabelValues(node, outcome(err)).Inc()
}
