package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/model"
)

var (
	// ErrNoCapacity is returned when all node slots are taken
	ErrNoCapacity = errors.New("maximum number of concurrent nodes reached")

	// ErrOverloaded is returned when host CPU or memory is above its limit
	ErrOverloaded = errors.New("host resources above limit")
)

// ResourceLimits defines admission limits for node execution. A zero CPU or
// memory limit disables that check.
type ResourceLimits struct {
	MaxNodes  int
	MaxCPU    float64
	MaxMemory float64
}

// ResourceManager admits node executions based on free slots and host load
type ResourceManager struct {
	logger   *zap.Logger
	limits   ResourceLimits
	mu       sync.RWMutex
	running  map[string]time.Time
	stats    model.WorkerStats
	interval time.Duration
	done     chan struct{}
}

// NewResourceManager creates a new resource manager
func NewResourceManager(workerID string, limits ResourceLimits, logger *zap.Logger) *ResourceManager {
	if limits.MaxNodes <= 0 {
		limits.MaxNodes = 1
	}
	return &ResourceManager{
		logger:   logger.Named("resource-manager"),
		limits:   limits,
		running:  make(map[string]time.Time),
		interval: 5 * time.Second,
		done:     make(chan struct{}),
		stats: model.WorkerStats{
			WorkerID:    workerID,
			Status:      model.WorkerStatusHealthy,
			CollectedAt: time.Now(),
		},
	}
}

// Start starts sampling host resources until ctx is done
func (rm *ResourceManager) Start(ctx context.Context) {
	rm.logger.Info("Starting resource manager")
	rm.collectResourceStats()
	go rm.monitorResources(ctx)
}

// Wait blocks until the sampling loop exits
func (rm *ResourceManager) Wait() {
	<-rm.done
}

// Acquire reserves a slot for key
func (rm *ResourceManager) Acquire(key string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if len(rm.running) >= rm.limits.MaxNodes {
		return ErrNoCapacity
	}
	if rm.limits.MaxCPU > 0 && rm.stats.CPUUsage > rm.limits.MaxCPU {
		return fmt.Errorf("%w: cpu %.1f%%", ErrOverloaded, rm.stats.CPUUsage)
	}
	if rm.limits.MaxMemory > 0 && rm.stats.MemoryUsage > rm.limits.MaxMemory {
		return fmt.Errorf("%w: memory %.1f%%", ErrOverloaded, rm.stats.MemoryUsage)
	}

	rm.running[key] = time.Now()
	rm.stats.RunningNodes = len(rm.running)
	return nil
}

// Release frees the slot held by key
func (rm *ResourceManager) Release(key string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	delete(rm.running, key)
	rm.stats.RunningNodes = len(rm.running)
}

// Running returns the number of occupied slots
func (rm *ResourceManager) Running() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.running)
}

// GetStats returns a copy of the current statistics
func (rm *ResourceManager) GetStats() model.WorkerStats {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.stats
}

func (rm *ResourceManager) monitorResources(ctx context.Context) {
	defer close(rm.done)

	ticker := time.NewTicker(rm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.collectResourceStats()
		}
	}
}

func (rm *ResourceManager) collectResourceStats() {
	var cpuUsage, memUsage float64

	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		rm.logger.Error("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		cpuUsage = cpuPercent[0]
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		rm.logger.Error("Failed to get memory usage", zap.Error(err))
	} else {
		memUsage = memInfo.UsedPercent
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.stats.CPUUsage = cpuUsage
	rm.stats.MemoryUsage = memUsage
	rm.stats.RunningNodes = len(rm.running)
	rm.stats.CollectedAt = time.Now()
	rm.stats.Status = model.WorkerStatusHealthy
	if (rm.limits.MaxCPU > 0 && cpuUsage > rm.limits.MaxCPU) ||
		(rm.limits.MaxMemory > 0 && memUsage > rm.limits.MaxMemory) {
		rm.stats.Status = model.WorkerStatusUnhealthy
	}

	rm.logger.Debug("Resource stats collected",
		zap.Float64("cpu_usage", rm.stats.CPUUsage),
		zap.Float64("memory_usage", rm.stats.MemoryUsage),
		zap.Int("running_nodes", rm.stats.RunningNodes))
}
