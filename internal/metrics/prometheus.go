// Package metrics exposes fleet and dispatch observability via Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors for the control plane.
type Metrics struct {
	registry *prometheus.Registry

	fleetSize        *prometheus.GaugeVec
	warmPoolDepth    *prometheus.GaugeVec
	vmsBooted        prometheus.Counter
	vmsCrashed       prometheus.Counter
	executeDuration  prometheus.Histogram
	executeTimeouts  prometheus.Counter
	ipAllocations    prometheus.Counter
}

var defaultBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 15000}

var global *Metrics

// Init builds the registry and installs it as the process-wide instance.
func Init(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		fleetSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "fleet_size", Help: "Number of VM records by status.",
		}, []string{"status"}),
		warmPoolDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "warm_pool_depth", Help: "Ready, unreserved VMs per language.",
		}, []string{"language"}),
		vmsBooted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "vms_booted_total", Help: "Total VMs booted.",
		}),
		vmsCrashed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "vms_crashed_total", Help: "Total VMs that ended via unexpected exit.",
		}),
		executeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "execute_duration_ms", Help: "Execute RPC latency in milliseconds.",
			Buckets: defaultBuckets,
		}),
		executeTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "execute_timeouts_total", Help: "Total Execute calls that hit the 15s deadline.",
		}),
		ipAllocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ip_allocations_total", Help: "Total guest IPs allocated.",
		}),
	}
	registry.MustRegister(m.fleetSize, m.warmPoolDepth, m.vmsBooted, m.vmsCrashed,
		m.executeDuration, m.executeTimeouts, m.ipAllocations)
	global = m
	return m
}

// Global returns the process-wide Metrics instance, initializing a default one if absent.
func Global() *Metrics {
	if global == nil {
		return Init("lambdo")
	}
	return global
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetFleetSize(status string, n int) {
	m.fleetSize.WithLabelValues(status).Set(float64(n))
}

func (m *Metrics) SetWarmPoolDepth(language string, n int) {
	m.warmPoolDepth.WithLabelValues(language).Set(float64(n))
}

func (m *Metrics) RecordVMBooted()  { m.vmsBooted.Inc() }
func (m *Metrics) RecordVMCrashed() { m.vmsCrashed.Inc() }
func (m *Metrics) RecordIPAllocated() { m.ipAllocations.Inc() }

func (m *Metrics) RecordExecuteDuration(ms float64) { m.executeDuration.Observe(ms) }
func (m *Metrics) RecordExecuteTimeout()            { m.executeTimeouts.Inc() }
