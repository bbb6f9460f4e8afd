package storage

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storageMetricsOnce     sync.Once
	storageMetricsInstance *Metrics
)

// Metrics holds the Prometheus metrics of a storage node.
type Metrics struct {
	Commands       *prometheus.CounterVec // filemesh_storage_commands_total{cmd,status}
	Bytes          *prometheus.CounterVec // filemesh_storage_bytes_total{direction}
	ActiveSessions prometheus.Gauge
	TrackerUp      *prometheus.GaugeVec // filemesh_storage_tracker_up{tracker}
}

// InitMetrics initializes storage metrics on registry. Subsequent calls
// return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	storageMetricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		storageMetricsInstance = &Metrics{
			Commands: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "filemesh_storage_commands_total",
				Help: "Commands handled by the storage server, by command and response status",
			}, []string{"cmd", "status"}),
			Bytes: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "filemesh_storage_bytes_total",
				Help: "File content bytes received and sent",
			}, []string{"direction"}),
			ActiveSessions: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "filemesh_storage_active_sessions",
				Help: "Number of open storage connections",
			}),
			TrackerUp: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
				Name: "filemesh_storage_tracker_up",
				Help: "Whether the reporter holds a joined session with the tracker",
			}, []string{"tracker"}),
		}
	})
	return storageMetricsInstance
}
