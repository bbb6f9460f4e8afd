package tracker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// trackerMetricsOnce ensures metrics are only initialized once.
var trackerMetricsOnce sync.Once

var trackerMetricsInstance *Metrics

// Metrics holds the Prometheus metrics of a tracker.
type Metrics struct {
	Commands       *prometheus.CounterVec // filemesh_tracker_commands_total{cmd,status}
	ActiveSessions prometheus.Gauge
	Groups         prometheus.Gauge
	Storages       *prometheus.GaugeVec // filemesh_tracker_storages{status}
	Generation     prometheus.Gauge
}

// InitMetrics initializes tracker metrics on registry. Subsequent calls
// return the same instance. If registry is nil the default Prometheus
// registry is used.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	trackerMetricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		trackerMetricsInstance = &Metrics{
			Commands: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "filemesh_tracker_commands_total",
				Help: "Commands handled by the tracker, by command and response status",
			}, []string{"cmd", "status"}),

			ActiveSessions: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "filemesh_tracker_active_sessions",
				Help: "Number of open client and storage sessions",
			}),

			Groups: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "filemesh_tracker_groups",
				Help: "Number of storage groups known to the tracker",
			}),

			Storages: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
				Name: "filemesh_tracker_storages",
				Help: "Number of storage servers by status",
			}, []string{"status"}),

			Generation: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "filemesh_tracker_directory_generation",
				Help: "Generation number of the published directory snapshot",
			}),
		}
	})
	return trackerMetricsInstance
}
