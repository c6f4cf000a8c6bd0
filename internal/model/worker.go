package model

import "time"

// WorkerStatus represents the health of a node worker
type WorkerStatus string

const (
	WorkerStatusHealthy   WorkerStatus = "healthy"
	WorkerStatusUnhealthy WorkerStatus = "unhealthy"
)

// WorkerStats represents node worker resource statistics
type WorkerStats struct {
	WorkerID     string       `json:"worker_id"`
	Status       WorkerStatus `json:"status"`
	RunningNodes int          `json:"running_nodes"`
	CPUUsage     float64      `json:"cpu_usage"`
	MemoryUsage  float64      `json:"memory_usage"`
	CollectedAt  time.Time    `json:"collected_at"`
}
