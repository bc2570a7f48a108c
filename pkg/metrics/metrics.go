// Package metrics exposes Prometheus collectors for the docstore servers.
//
// Collectors are registered against a process-local registry so tests can
// create servers without fighting over the global default registry.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the servers record into.
type Metrics struct {
	reg *prometheus.Registry

	// ConnectionsActive tracks currently open TCP connections per listener.
	ConnectionsActive *prometheus.GaugeVec

	// RequestsTotal counts handled requests by wire type and terminal status.
	RequestsTotal *prometheus.CounterVec

	// ReplicationQueue is the number of outstanding replication tasks.
	ReplicationQueue prometheus.Gauge

	// ReplicationTasksTotal counts finished replication tasks by kind and outcome.
	ReplicationTasksTotal *prometheus.CounterVec

	// StorageServersUp is the number of storage servers currently considered alive.
	StorageServersUp prometheus.Gauge
}

var (
	defaultOnce sync.Once
	defaultM    *Metrics
)

// New creates a Metrics set backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return &Metrics{
		reg: reg,
		ConnectionsActive: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "docstore_connections_active",
				Help: "Currently open TCP connections",
			},
			[]string{"listener"},
		),
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "docstore_requests_total",
				Help: "Handled requests by type and terminal status",
			},
			[]string{"type", "status"},
		),
		ReplicationQueue: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "docstore_replication_queue",
				Help: "Outstanding asynchronous replication tasks",
			},
		),
		ReplicationTasksTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "docstore_replication_tasks_total",
				Help: "Finished replication tasks by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		StorageServersUp: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "docstore_storage_servers_up",
				Help: "Storage servers currently considered alive",
			},
		),
	}
}

// Default returns the process-wide Metrics set, creating it on first use.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultM = New()
	})
	return defaultM
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}
