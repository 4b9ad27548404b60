package child

import (
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Stats is a point-in-time resource snapshot of the child.
type Stats struct {
	Pid        int           `json:"pid"`
	Running    bool          `json:"running"`
	Uptime     time.Duration `json:"-"`
	UptimeSecs float64       `json:"uptime_seconds"`
	RSSBytes   uint64        `json:"rss_bytes,omitempty"`
	CPUPercent float64       `json:"cpu_percent,omitempty"`
	NumThreads int32         `json:"num_threads,omitempty"`
}

// Stats samples the child's resource usage. Fields the platform cannot report
// are left zero.
func (p *Process) Stats() Stats {
	st := Stats{Pid: p.Pid(), Running: p.Running()}
	if !st.Running {
		return st
	}
	st.Uptime = time.Since(p.StartedAt())
	st.UptimeSecs = st.Uptime.Seconds()
	proc, err := process.NewProcess(int32(st.Pid))
	if err != nil {
		return st
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		st.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		st.NumThreads = n
	}
	return st
}
