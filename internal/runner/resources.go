package runner

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ResourceStats is the process footprint measured over the run.
type ResourceStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  uint64  `json:"memory_rss_bytes"`
	Goroutines int     `json:"goroutines"`
}

// resourceMonitor samples process CPU and memory via gopsutil. CPU is
// average utilization between construction and snapshot.
type resourceMonitor struct {
	proc     *process.Process
	startCPU float64
	start    time.Time
}

func newResourceMonitor() *resourceMonitor {
	rm := &resourceMonitor{start: time.Now()}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return rm
	}
	rm.proc = proc
	if times, err := proc.Times(); err == nil {
		rm.startCPU = times.Total()
	}
	return rm
}

func (rm *resourceMonitor) snapshot() ResourceStats {
	stats := ResourceStats{Goroutines: runtime.NumGoroutine()}
	if rm.proc == nil {
		return stats
	}
	if times, err := rm.proc.Times(); err == nil {
		elapsed := time.Since(rm.start).Seconds()
		if elapsed > 0 {
			stats.CPUPercent = (times.Total() - rm.startCPU) / elapsed * 100
		}
	}
	if mem, err := rm.proc.MemoryInfo(); err == nil {
		stats.MemoryRSS = mem.RSS
	}
	return stats
}
