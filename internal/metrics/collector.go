// Package metrics exposes prometheus metrics of the tile server and
// periodically samples host resources.
package metrics

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

var (
	systemCPU = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "system",
		Name:      "cpu_percent",
		Help:      "System-wide CPU usage",
	})

	processRSS = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "resident_bytes",
		Help:      "Resident memory of the server process",
	})

	cacheDiskUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "volume_used_percent",
		Help:      "Usage of the filesystem holding the tile cache",
	})

	cacheDiskFree = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "volume_free_bytes",
		Help:      "Free space on the filesystem holding the tile cache",
	})
)

// SystemMetrics holds current system metrics snapshot
type SystemMetrics struct {
	CPUPercent        float64 // System-wide CPU usage (0-100%)
	ProcessCPUPercent float64 // can exceed 100% on multi-core
	ProcessRSSBytes   uint64
	MemoryUsedGB      float64
	MemoryPercent     float64
	CacheUsedPercent  float64 // filesystem of the cache directory
	CacheFreeBytes    uint64
	Timestamp         time.Time
}

// Collector periodically samples host resources, logs them and publishes
// them as gauges
type Collector struct {
	interval    time.Duration
	cacheDir    string
	logger      *zap.Logger
	proc        *process.Process
	mu          sync.RWMutex
	lastMetrics *SystemMetrics
}

// NewCollector creates a new metrics collector watching the volume of cacheDir
func NewCollector(interval time.Duration, cacheDir string, logger *zap.Logger) *Collector {
	if interval < time.Second {
		interval = 30 * time.Second
	}

	// Get handle to current process for CPU tracking
	proc, _ := process.NewProcess(int32(os.Getpid()))

	return &Collector{
		interval: interval,
		cacheDir: cacheDir,
		logger:   logger,
		proc:     proc,
	}
}

// Start begins periodic metrics collection. Returns when context is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Metrics collection stopped")
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// GetMetrics returns the last collected metrics
func (c *Collector) GetMetrics() *SystemMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastMetrics
}

// collect gathers current system metrics and logs them
func (c *Collector) collect() {
	metrics := c.sample()

	c.mu.Lock()
	c.lastMetrics = metrics
	c.mu.Unlock()

	systemCPU.Set(metrics.CPUPercent)
	processRSS.Set(float64(metrics.ProcessRSSBytes))
	cacheDiskUsed.Set(metrics.CacheUsedPercent)
	cacheDiskFree.Set(float64(metrics.CacheFreeBytes))

	c.logger.Info("System metrics",
		zap.Float64("sys_cpu", metrics.CPUPercent),
		zap.Float64("proc_cpu", metrics.ProcessCPUPercent),
		zap.String("proc_rss", formatBytes(metrics.ProcessRSSBytes)),
		zap.Float64("mem_pct", metrics.MemoryPercent),
		zap.String("mem_used", fmt.Sprintf("%.1f GB", metrics.MemoryUsedGB)),
		zap.Float64("cache_disk_pct", metrics.CacheUsedPercent),
		zap.String("cache_disk_free", formatBytes(metrics.CacheFreeBytes)),
	)
}

func (c *Collector) sample() *SystemMetrics {
	metrics := &SystemMetrics{
		Timestamp: time.Now(),
	}

	cpuPercent, err := cpu.Percent(0, false)
	if err == nil && len(cpuPercent) > 0 {
		metrics.CPUPercent = cpuPercent[0]
	}

	if c.proc != nil {
		if procCPU, err := c.proc.Percent(0); err == nil {
			metrics.ProcessCPUPercent = procCPU
		}
		if info, err := c.proc.MemoryInfo(); err == nil {
			metrics.ProcessRSSBytes = info.RSS
		}
	}

	vmem, err := mem.VirtualMemory()
	if err == nil {
		metrics.MemoryPercent = vmem.UsedPercent
		metrics.MemoryUsedGB = float64(vmem.Used) / (1024 * 1024 * 1024)
	}

	if c.cacheDir != "" {
		if usage, err := disk.Usage(c.cacheDir); err == nil {
			metrics.CacheUsedPercent = usage.UsedPercent
			metrics.CacheFreeBytes = usage.Free
		}
	}

	return metrics
}

// formatBytes formats a byte count with a binary unit and one decimal place
func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
