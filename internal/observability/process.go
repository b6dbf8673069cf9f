package observability

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// SampleProcessStats periodically publishes the monitor's own resident
// memory and CPU usage to the process gauges. Runs until ctx is done.
func SampleProcessStats(ctx context.Context, logger *zap.Logger, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("process stats unavailable", zap.Error(err))
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
				ProcessMemoryMB.Set(float64(mem.RSS) / (1024 * 1024))
			}
			if cpu, err := proc.CPUPercent(); err == nil {
				ProcessCPUPercent.Set(cpu)
			}
		}
	}
}
