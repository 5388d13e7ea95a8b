package status

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// SystemCollector builds SystemStatus values. RSS comes from the OS via
// gopsutil; heap usage from the Go runtime.
type SystemCollector struct {
	startTime time.Time
	proc      *process.Process
}

// NewSystemCollector creates a collector anchored at the current time.
func NewSystemCollector() *SystemCollector {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}
	return &SystemCollector{
		startTime: time.Now(),
		proc:      proc,
	}
}

// Collect assembles a SystemStatus from the given stream/browser state
// and current process measurements.
func (c *SystemCollector) Collect(browserConnected bool, pageCount, activeStreams, streamLimit int) SystemStatus {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	var rss uint64
	if c.proc != nil {
		if memInfo, err := c.proc.MemoryInfo(); err == nil && memInfo != nil {
			rss = memInfo.RSS
		}
	}

	return SystemStatus{
		Browser: BrowserStatus{
			Connected: browserConnected,
			PageCount: pageCount,
		},
		Streams: StreamsStatus{
			Active: activeStreams,
			Limit:  streamLimit,
		},
		Memory: MemoryStatus{
			HeapUsed: ms.HeapAlloc,
			RSS:      rss,
		},
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	}
}
