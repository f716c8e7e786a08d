// ABOUTME: Prometheus metrics for the broker's task routing surface
// ABOUTME: Counters for queue admission, acquisition outcomes and delegate heartbeats

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the broker's Prometheus instruments.
type Metrics struct {
	TasksQueued     *prometheus.CounterVec
	TasksFinished   *prometheus.CounterVec
	AcquireOutcomes *prometheus.CounterVec
	Heartbeats      prometheus.Counter
	AcquireDuration prometheus.Histogram
}

// NewMetrics registers the broker metrics. A nil registerer falls back to a
// private registry so tests can construct gateways freely.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		TasksQueued: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "broker_tasks_queued_total",
			Help: "Tasks admitted to the queue, by rank.",
		}, []string{"rank"}),

		TasksFinished: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "broker_tasks_finished_total",
			Help: "Tasks that reached a terminal report, by outcome.",
		}, []string{"outcome"}),

		AcquireOutcomes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "broker_acquire_total",
			Help: "Task acquisition attempts, by outcome.",
		}, []string{"outcome"}), // assigned, validation, miss

		Heartbeats: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "broker_heartbeats_total",
			Help: "Delegate heartbeats processed.",
		}),

		AcquireDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "broker_acquire_duration_seconds",
			Help:    "Histogram of acquire request latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
	}
}
