package executor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/model"
)

// InstanceIdentity returns a process-unique lock owner id of the form
// hostname:pid:random
func InstanceIdentity() string {
	hostname := hostName()
	return fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), uuid.New().String()[:8])
}

func hostName() string {
	if info, err := host.Info(); err == nil && info.Hostname != "" {
		return info.Hostname
	}
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return "unknown"
}

// HostMonitor samples resource usage of the host running this instance
type HostMonitor struct {
	logger     *zap.Logger
	instanceID string
	inFlight   func() int
	interval   time.Duration

	mu    sync.RWMutex
	stats *model.InstanceStats
}

// NewHostMonitor creates a new host monitor
func NewHostMonitor(instanceID string, inFlight func() int, interval time.Duration, logger *zap.Logger) *HostMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HostMonitor{
		logger:     logger.Named("host-monitor"),
		instanceID: instanceID,
		inFlight:   inFlight,
		interval:   interval,
		stats: &model.InstanceStats{
			InstanceID: instanceID,
			Hostname:   hostName(),
		},
	}
}

// Start samples until ctx is done
func (m *HostMonitor) Start(ctx context.Context) {
	m.Collect()
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Collect()
			}
		}
	}()
}

// Stats returns a copy of the latest sample with a fresh in-flight count
func (m *HostMonitor) Stats() *model.InstanceStats {
	m.mu.RLock()
	stats := *m.stats
	m.mu.RUnlock()
	if m.inFlight != nil {
		stats.InFlight = m.inFlight()
	}
	return &stats
}

// Collect takes one sample
func (m *HostMonitor) Collect() {
	stats := model.InstanceStats{
		InstanceID: m.instanceID,
		Hostname:   hostName(),
	}

	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		m.logger.Warn("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		stats.CPUUsage = cpuPercent[0]
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		m.logger.Warn("Failed to get memory usage", zap.Error(err))
	} else {
		stats.MemoryUsage = memInfo.UsedPercent
	}

	uptime, err := host.Uptime()
	if err != nil {
		m.logger.Warn("Failed to get uptime", zap.Error(err))
	} else {
		stats.UptimeSeconds = uptime
	}

	if m.inFlight != nil {
		stats.InFlight = m.inFlight()
	}
	stats.CollectedAt = time.Now()

	m.mu.Lock()
	m.stats = &stats
	m.mu.Unlock()

	m.logger.Debug("Host stats collected",
		zap.Float64("cpu_usage", stats.CPUUsage),
		zap.Float64("memory_usage", stats.MemoryUsage),
		zap.Int("in_flight", stats.InFlight))
}
