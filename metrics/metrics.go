// Package metrics defines the Prometheus metrics exported by the notifier.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "freelance"

// Notification results.
const (
	ResultSent   = "sent"
	ResultFailed = "failed"
)

// Metrics holds the poll loop counters and histograms.
type Metrics struct {
	RecordsFetched  *prometheus.CounterVec
	RecordsNew      *prometheus.CounterVec
	Notifications   *prometheus.CounterVec
	FetchErrors     *prometheus.CounterVec
	StorageErrors   *prometheus.CounterVec
	CycleDuration   *prometheus.HistogramVec
	CyclesCompleted *prometheus.CounterVec
	LoopRestarts    *prometheus.CounterVec
}

// New creates and registers all metrics. A nil registerer uses the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RecordsFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "records_fetched_total",
			Help:      "Listings returned by marketplace page fetches",
		}, []string{"marketplace"}),
		RecordsNew: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "records_new_total",
			Help:      "Listings inserted into the dedup store for the first time",
		}, []string{"marketplace"}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "notifications_total",
			Help:      "Notification attempts by result",
		}, []string{"marketplace", "result"}),
		FetchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "fetch_errors_total",
			Help:      "Page fetches that failed",
		}, []string{"marketplace"}),
		StorageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "storage_errors_total",
			Help:      "Dedup store operations that failed",
		}, []string{"marketplace", "op"}),
		CycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one poll cycle",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"marketplace"}),
		CyclesCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cycles_completed_total",
			Help:      "Poll cycles that reached the sleep phase",
		}, []string{"marketplace"}),
		LoopRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "loop_restarts_total",
			Help:      "Times the supervisor restarted a poll loop after an error or panic",
		}, []string{"marketplace"}),
	}
}
