package monitor

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/alert-correlation/internal/metrics"
)

// ResourceMonitor samples host CPU and memory usage into the process
// gauges on a fixed interval
type ResourceMonitor struct {
	logger   *zap.Logger
	interval time.Duration
	stop     chan struct{}
}

// NewResourceMonitor creates a resource monitor with the given sample interval
func NewResourceMonitor(logger *zap.Logger, interval time.Duration) *ResourceMonitor {
	return &ResourceMonitor{
		logger:   logger.Named("resource-monitor"),
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start begins the sampling loop
func (m *ResourceMonitor) Start(ctx context.Context) {
	m.logger.Info("Starting resource monitor", zap.Duration("interval", m.interval))
	go m.sampleLoop(ctx)
}

// Stop stops the sampling loop
func (m *ResourceMonitor) Stop() {
	close(m.stop)
}

func (m *ResourceMonitor) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *ResourceMonitor) sample() {
	cpuPercent, err := cpu.Percent(time.Second, false)
	if err != nil {
		m.logger.Error("Failed to get CPU usage", zap.Error(err))
		return
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		m.logger.Error("Failed to get memory usage", zap.Error(err))
		return
	}

	metrics.ProcessCPUPercent.Set(cpuPercent[0])
	metrics.ProcessMemoryBytes.Set(float64(memInfo.Used))

	m.logger.Debug("Sampled resources",
		zap.Float64("cpu_percent", cpuPercent[0]),
		zap.Float64("memory_percent", memInfo.UsedPercent))
}
