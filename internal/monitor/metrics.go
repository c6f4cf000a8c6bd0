package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RunsTotal counts finished graph runs by outcome
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskgraph",
			Name:      "runs_total",
			Help:      "Total number of finished graph runs",
		}, []string{"status"})

	// NodesTotal counts finished node runs by status
	NodesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskgraph",
			Name:      "nodes_total",
			Help:      "Total number of finished node runs",
		}, []string{"status"})

	NodeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "taskgraph",
			Name:      "node_duration_seconds",
			Help:      "Wall time of node executions",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		})

	ScheduleLayers = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "taskgraph",
			Name:      "schedule_layers",
			Help:      "Number of layers of planned schedules",
			Buckets:   prometheus.LinearBuckets(1, 1, 16),
		})

	CyclicSchedulesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taskgraph",
			Name:      "cyclic_schedules_total",
			Help:      "Total number of schedules that needed the cycle fallback layer",
		})

	WorkerCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "taskgraph",
			Name:      "worker_cpu_percent",
			Help:      "Last reported CPU usage of a node worker",
		}, []string{"worker"})

	WorkerMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "taskgraph",
			Name:      "worker_memory_percent",
			Help:      "Last reported memory usage of a node worker",
		}, []string{"worker"})
)

// InitMetrics registers all metrics in this package
func InitMetrics(registry prometheus.Registerer) {
	registry.MustRegister(RunsTotal)
	registry.MustRegister(NodesTotal)
	registry.MustRegister(NodeDuration)
	registry.MustRegister(ScheduleLayers)
	registry.MustRegister(CyclicSchedulesTotal)
	registry.MustRegister(WorkerCPU)
	registry.MustRegister(WorkerMemory)
}
