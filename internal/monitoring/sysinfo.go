package monitoring

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSnapshot is the resource view reported by the health endpoint.
type SystemSnapshot struct {
	CPUPercent float64 `json:"cpuPercent"`
	MemoryMB   float64 `json:"memoryMB"`
	Goroutines int     `json:"goroutines"`
	NumCPU     int     `json:"numCPU"`
}

// Snapshot samples process memory and host CPU. Failures degrade to zero
// values; the health endpoint must never error on a metrics hiccup.
func Snapshot() SystemSnapshot {
	snap := SystemSnapshot{
		Goroutines: runtime.NumGoroutine(),
		NumCPU:     runtime.NumCPU(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			snap.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
	}

	return snap
}
