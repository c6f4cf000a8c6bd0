// Package monitor exposes prometheus metrics and aggregates worker heartbeats.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/model"
	"github.com/t77yq/taskgraph/internal/stream"
)

// SystemSnapshot is published on the system metrics subject
type SystemSnapshot struct {
	Timestamp   time.Time            `json:"timestamp"`
	CPUUsage    float64              `json:"cpu_usage"`
	MemoryUsage float64              `json:"memory_usage"`
	Workers     []*model.WorkerStats `json:"workers"`
}

// MetricsCollector collects host metrics and node worker heartbeats
type MetricsCollector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	interval time.Duration
	mu       sync.RWMutex
	workers  map[string]*model.WorkerStats
	sub      *nats.Subscription
	stop     chan struct{}
	done     chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(js nats.JetStreamContext, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		js:       js,
		interval: interval,
		workers:  make(map[string]*model.WorkerStats),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start subscribes to worker stats and starts the collection loop
func (c *MetricsCollector) Start(ctx context.Context) error {
	c.logger.Info("Starting metrics collector")

	sub, err := c.js.Subscribe(stream.WorkerStatsPrefix+".*", c.handleWorkerStats, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to worker stats: %w", err)
	}
	c.sub = sub

	go c.collectLoop(ctx)

	return nil
}

// Stop stops the metrics collector
func (c *MetricsCollector) Stop() {
	c.logger.Info("Stopping metrics collector")
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			c.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	close(c.stop)
	<-c.done
}

func (c *MetricsCollector) handleWorkerStats(msg *nats.Msg) {
	var stats model.WorkerStats
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		c.logger.Error("Failed to unmarshal worker stats", zap.Error(err))
		return
	}

	workerID, ok := stream.WorkerIDFromSubject(msg.Subject)
	if !ok {
		c.logger.Error("Invalid worker stats subject",
			zap.String("subject", msg.Subject))
		return
	}

	c.mu.Lock()
	c.workers[workerID] = &stats
	c.mu.Unlock()

	WorkerCPU.WithLabelValues(workerID).Set(stats.CPUUsage)
	WorkerMemory.WithLabelValues(workerID).Set(stats.MemoryUsage)
}

func (c *MetricsCollector) collectLoop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.collectMetrics()
		}
	}
}

func (c *MetricsCollector) collectMetrics() {
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		c.logger.Error("Failed to get CPU usage", zap.Error(err))
		return
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		c.logger.Error("Failed to get memory usage", zap.Error(err))
		return
	}

	snapshot := SystemSnapshot{
		Timestamp:   time.Now(),
		MemoryUsage: memInfo.UsedPercent,
		Workers:     c.Workers(),
	}
	if len(cpuPercent) > 0 {
		snapshot.CPUUsage = cpuPercent[0]
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		c.logger.Error("Failed to marshal metrics", zap.Error(err))
		return
	}

	if _, err := c.js.Publish(stream.SystemMetricsTopic, data); err != nil {
		c.logger.Error("Failed to publish metrics", zap.Error(err))
		return
	}

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", snapshot.CPUUsage),
		zap.Float64("memory_usage", snapshot.MemoryUsage),
		zap.Int("worker_count", len(snapshot.Workers)))
}

// Workers returns the last reported stats of every worker
func (c *MetricsCollector) Workers() []*model.WorkerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*model.WorkerStats, 0, len(c.workers))
	for _, stats := range c.workers {
		out = append(out, stats)
	}
	return out
}

// Worker returns the last reported stats of one worker
func (c *MetricsCollector) Worker(id string) (*model.WorkerStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats, ok := c.workers[id]
	return stats, ok
}
