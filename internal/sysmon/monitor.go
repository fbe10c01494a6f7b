package sysmon

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

// SelfStats holds resource usage of the autoscaler process itself.
// Surfaced in /status so operators can spot a leaking HTTP client or a
// runaway loop without shelling into the container.
type SelfStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	OpenFDs    int     `json:"open_fds"`
	Sockets    int     `json:"sockets"`
	Goroutines int     `json:"goroutines"`
}

// Monitor samples the daemon's own process and checks growth against
// the first sample it took.
type Monitor struct {
	mu       sync.Mutex
	baseline *SelfStats
}

func NewMonitor() *Monitor {
	return &Monitor{}
}

// Sample returns current resource usage for this process. Per-field
// failures degrade to zero rather than failing the sample; gopsutil
// cannot enumerate everything on every platform.
func (m *Monitor) Sample() (SelfStats, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return SelfStats{}, err
	}

	stats := SelfStats{Goroutines: runtime.NumGoroutine()}

	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if fds, err := proc.NumFDs(); err == nil {
		stats.OpenFDs = int(fds)
	}
	if conns, err := proc.Connections(); err == nil {
		stats.Sockets = len(conns)
	}

	return stats, nil
}

// DetectLeak compares a sample against the baseline and reports whether
// descriptor or socket usage has grown suspiciously. The first call
// establishes the baseline. The baseline floors (20 FDs, 50 sockets)
// avoid flagging growth on trivial absolute numbers.
func (m *Monitor) DetectLeak(current SelfStats) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.baseline == nil {
		base := current
		m.baseline = &base
		return false, ""
	}
	base := *m.baseline

	if current.OpenFDs > 20 && current.OpenFDs > base.OpenFDs*3 {
		return true, fmt.Sprintf("open file descriptors grew %d -> %d", base.OpenFDs, current.OpenFDs)
	}
	if current.Sockets > 50 && current.Sockets > base.Sockets*2 {
		return true, fmt.Sprintf("sockets grew %d -> %d", base.Sockets, current.Sockets)
	}

	// Shrink the baseline when usage drops so recovery resets the
	// comparison point.
	if current.OpenFDs < base.OpenFDs {
		m.baseline.OpenFDs = current.OpenFDs
	}
	if current.Sockets < base.Sockets {
		m.baseline.Sockets = current.Sockets
	}
	return false, ""
}
