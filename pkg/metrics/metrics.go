package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Launcher / reconciliation metrics.
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sm_reconciliation_duration_seconds",
			Help:    "Time taken for one launcher reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sm_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sm_instances_total",
			Help: "Current number of instances by run state",
		},
		[]string{"state"},
	)

	InstanceStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sm_instance_start_duration_seconds",
			Help:    "Time taken to start a single instance",
			Buckets: prometheus.DefBuckets,
		},
	)

	InstanceStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sm_instance_stop_duration_seconds",
			Help:    "Time taken to stop a single instance",
			Buckets: prometheus.DefBuckets,
		},
	)

	// LayerManager metrics.
	LayerInstallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sm_layer_install_duration_seconds",
			Help:    "Time taken to install one layer",
			Buckets: prometheus.DefBuckets,
		},
	)

	LayersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sm_layers_total",
			Help: "Current number of layers by state",
		},
		[]string{"state"},
	)

	LayerInstallErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sm_layer_install_errors_total",
			Help: "Total number of layer install failures by error kind",
		},
		[]string{"kind"},
	)

	// NetworkManager metrics.
	NetworkInstancesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sm_network_instances_total",
			Help: "Current number of instances attached to a network",
		},
	)

	NetworkAttachDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sm_network_attach_duration_seconds",
			Help:    "Time taken to attach an instance to its network",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ResourceMonitor / AlertProcessor metrics.
	AlertsRaisedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sm_alerts_raised_total",
			Help: "Total number of alerts raised by resource kind and level",
		},
		[]string{"resource", "level"},
	)

	MonitoringSampleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sm_monitoring_sample_duration_seconds",
			Help:    "Time taken for one resource monitor sampling cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// SpaceAllocator metrics.
	SpaceAllocatorEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sm_space_allocator_evictions_total",
			Help: "Total number of items evicted by the space allocator, by mount point",
		},
		[]string{"mount_point"},
	)

	SpaceAllocatorUsedBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sm_space_allocator_used_bytes",
			Help: "Currently allocated bytes per partition mount point",
		},
		[]string{"mount_point"},
	)
)

func init() {
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(InstanceStartDuration)
	prometheus.MustRegister(InstanceStopDuration)

	prometheus.MustRegister(LayerInstallDuration)
	prometheus.MustRegister(LayersTotal)
	prometheus.MustRegister(LayerInstallErrorsTotal)

	prometheus.MustRegister(NetworkInstancesTotal)
	prometheus.MustRegister(NetworkAttachDuration)

	prometheus.MustRegister(AlertsRaisedTotal)
	prometheus.MustRegister(MonitoringSampleDuration)

	prometheus.MustRegister(SpaceAllocatorEvictionsTotal)
	prometheus.MustRegister(SpaceAllocatorUsedBytes)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
