package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveTasks       prometheus.Gauge
	TaskEvents        *prometheus.CounterVec
	StopSignals       *prometheus.CounterVec
	MirrorFailures    prometheus.Counter
	MalformedCommands prometheus.Counter
	HTTPRequests      *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveTasks: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Number of in-flight tasks tracked on this instance.",
		}),
		TaskEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by type.",
		}, []string{"event"}),
		StopSignals: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stop_signals_total",
			Help:      "Stop requests by dispatch mode.",
		}, []string{"mode"}),
		MirrorFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_failures_total",
			Help:      "Best-effort broker mirror writes that failed.",
		}),
		MalformedCommands: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_commands_total",
			Help:      "Unparseable payloads seen on the command channel.",
		}),
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status class.",
		}, []string{"route", "status"}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
