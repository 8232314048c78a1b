package gateway

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// SystemMetrics is the process snapshot sent on the system channel and
// included in /api/status.
type SystemMetrics struct {
	CPULoad1    float64    `json:"cpu_load_1"`
	CPULoad5    float64    `json:"cpu_load_5"`
	CPULoad15   float64    `json:"cpu_load_15"`
	CPUCores    int        `json:"cpu_cores"`
	HeapAllocMB float64    `json:"heap_alloc_mb"`
	SysMB       float64    `json:"sys_mb"`
	GCRuns      uint32     `json:"gc_runs"`
	Goroutines  int        `json:"goroutines"`
	UptimeSec   int64      `json:"uptime_sec"`
	Display     ReadHealth `json:"display"`
	TS          string     `json:"ts"`
}

// CollectSystem gathers runtime and load-average figures.
func CollectSystem(start time.Time) SystemMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m := SystemMetrics{
		CPUCores:    runtime.NumCPU(),
		HeapAllocMB: float64(ms.HeapAlloc) / (1 << 20),
		SysMB:       float64(ms.Sys) / (1 << 20),
		GCRuns:      ms.NumGC,
		Goroutines:  runtime.NumGoroutine(),
		UptimeSec:   int64(time.Since(start).Seconds()),
		TS:          time.Now().UTC().Format(time.RFC3339Nano),
	}
	m.CPULoad1, m.CPULoad5, m.CPULoad15 = readLoadAvg()
	return m
}

// readLoadAvg parses /proc/loadavg; zeros where it is unavailable.
func readLoadAvg() (l1, l5, l15 float64) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, 0, 0
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return 0, 0, 0
	}
	l1, _ = strconv.ParseFloat(fields[0], 64)
	l5, _ = strconv.ParseFloat(fields[1], 64)
	l15, _ = strconv.ParseFloat(fields[2], 64)
	return l1, l5, l15
}
