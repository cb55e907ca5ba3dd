package schedule

import (
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/mspsync/errors"
)

// SystemMetrics is a host memory snapshot attached to poll summaries
type SystemMetrics struct {
	MemoryUsedGB  float64
	MemoryTotalGB float64
	MemoryPercent float64
}

const bytesPerGB = 1024 * 1024 * 1024

// ReadSystemMetrics samples host memory
func ReadSystemMetrics() (SystemMetrics, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return SystemMetrics{}, errors.Wrap(err, "failed to get memory stats")
	}
	used := v.Total - v.Available
	return SystemMetrics{
		MemoryUsedGB:  float64(used) / bytesPerGB,
		MemoryTotalGB: float64(v.Total) / bytesPerGB,
		MemoryPercent: v.UsedPercent,
	}, nil
}
