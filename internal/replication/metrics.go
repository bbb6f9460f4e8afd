package replication

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	replicationMetricsOnce     sync.Once
	replicationMetricsInstance *Metrics
)

// Metrics holds the Prometheus metrics of the replication engine.
type Metrics struct {
	ActiveLoops prometheus.Gauge
	Records     *prometheus.CounterVec // filemesh_replication_records_total{op,result}
	MarkWrites  prometheus.Counter
}

// InitMetrics initializes replication metrics on registry. Subsequent
// calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	replicationMetricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		replicationMetricsInstance = &Metrics{
			ActiveLoops: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "filemesh_replication_active_loops",
				Help: "Number of running peer sync loops",
			}),
			Records: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "filemesh_replication_records_total",
				Help: "Binlog records processed by peer sync loops",
			}, []string{"op", "result"}),
			MarkWrites: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "filemesh_replication_mark_writes_total",
				Help: "Number of sync mark file writes",
			}),
		}
	})
	return replicationMetricsInstance
}
