package async

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/testpulse/errors"
)

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`  // Workers currently executing a test
	WorkersTotal  int     `json:"workers_total"`   // Configured workers
	MemoryUsedGB  float64 `json:"memory_used_gb"`  // Current host memory usage in GB
	MemoryTotalGB float64 `json:"memory_total_gb"` // Total host memory in GB
	MemoryPercent float64 `json:"memory_percent"`  // Memory utilization percentage
	QueueDepth    int     `json:"queue_depth"`     // Messages waiting for a worker
	TasksQueued   int     `json:"tasks_queued"`    // Persisted queued tasks
	TasksRunning  int     `json:"tasks_running"`   // Persisted running tasks
}

// getMemoryStats returns host memory in bytes
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// calculateSafeWorkerCount recommends worker count based on available memory.
// Browser-driven runners (playwright, selenium) need roughly 1GB each.
func calculateSafeWorkerCount(availableGB float64) int {
	const memoryPerWorker = 1.0 // GB per concurrent browser-backed test
	const memoryBuffer = 2.0    // GB reserved for the host

	if availableGB < memoryBuffer {
		return 1
	}

	recommended := int((availableGB - memoryBuffer) / memoryPerWorker)
	if recommended < 1 {
		return 1
	}
	if recommended > 32 {
		return 32
	}
	return recommended
}

// GetSystemMetrics returns current resource usage of the pool and host
func (wp *WorkerPool) GetSystemMetrics(ctx context.Context) SystemMetrics {
	total, available, err := getMemoryStats()

	var memUsedGB, memTotalGB, memPercent float64
	if err == nil && total > 0 {
		memTotalGB = float64(total) / 1024 / 1024 / 1024
		memUsedGB = float64(total-available) / 1024 / 1024 / 1024
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	var queued, running int
	if counts, err := wp.queue.Counts(ctx); err == nil {
		queued, running = counts[TaskStatusQueued], counts[TaskStatusRunning]
	}

	wp.mu.Lock()
	active := wp.activeWorkers
	workers := wp.config.Workers
	wp.mu.Unlock()

	return SystemMetrics{
		WorkersActive: active,
		WorkersTotal:  workers,
		MemoryUsedGB:  memUsedGB,
		MemoryTotalGB: memTotalGB,
		MemoryPercent: memPercent,
		QueueDepth:    wp.queue.Depth(),
		TasksQueued:   queued,
		TasksRunning:  running,
	}
}

// checkMemoryPressure validates worker count against available memory.
// Returns a warning message if the worker count may be too high.
func (wp *WorkerPool) checkMemoryPressure() string {
	total, available, err := getMemoryStats()
	if err != nil {
		return ""
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := calculateSafeWorkerCount(availableGB)

	if workers := wp.Workers(); workers > recommended {
		return fmt.Sprintf(
			"Worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB). "+
				"Consider reducing workers to prevent memory pressure.",
			workers, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}
