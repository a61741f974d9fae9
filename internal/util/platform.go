package util

import (
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	mib = 1 << 20
	gib = 1 << 30
)

// SystemInfo describes the host the gateway runs on.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	CPUModel     string `json:"cpu_model"`
	CPUCores     int    `json:"cpu_cores"`
	TotalMemory  uint64 `json:"total_memory_mb"`
	GoVersion    string `json:"go_version"`
	Uptime       uint64 `json:"uptime_seconds"`
}

// staticInfo holds the fields that do not change while the process runs.
var staticInfo = sync.OnceValue(func() SystemInfo {
	info := SystemInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}
	info.Hostname, _ = os.Hostname()
	if h, err := host.Info(); err == nil {
		info.OS = strings.TrimSpace(h.Platform + " " + h.PlatformVersion)
		if info.Hostname == "" {
			info.Hostname = h.Hostname
		}
	}
	if cpus, err := cpu.Info(); err == nil && len(cpus) > 0 {
		info.CPUModel = cpus[0].ModelName
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = vm.Total / mib
	}
	return info
})

// GetSystemInfo returns the host profile. Only the uptime is re-read on
// each call.
func GetSystemInfo() SystemInfo {
	info := staticInfo()
	if up, err := host.Uptime(); err == nil {
		info.Uptime = up
	}
	return info
}

// DiskUsage is the usage of the volume holding a path, in whole GiB.
type DiskUsage struct {
	Total       uint64  `json:"total_gb"`
	Used        uint64  `json:"used_gb"`
	Free        uint64  `json:"free_gb"`
	UsedPercent float64 `json:"used_percent"`
}

// GetDiskUsage returns usage for the volume holding path.
func GetDiskUsage(path string) (*DiskUsage, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return nil, err
	}
	return &DiskUsage{
		Total:       u.Total / gib,
		Used:        u.Used / gib,
		Free:        u.Free / gib,
		UsedPercent: u.UsedPercent,
	}, nil
}

// MemoryUsage is system memory in MiB.
type MemoryUsage struct {
	Total       uint64  `json:"total_mb"`
	Used        uint64  `json:"used_mb"`
	Available   uint64  `json:"available_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// ProcessUsage describes the resources held by this process.
type ProcessUsage struct {
	PID        int32   `json:"pid"`
	RSS        uint64  `json:"rss_mb"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
	OpenFiles  int     `json:"open_files"`
	Goroutines int     `json:"goroutines"`
	StartedAt  int64   `json:"started_at"`
}

// HostSample is one reading of host and process load. Sections the
// platform cannot report are nil.
type HostSample struct {
	CPUPercent *float64      `json:"cpu_percent,omitempty"`
	Memory     *MemoryUsage  `json:"memory,omitempty"`
	Disk       *DiskUsage    `json:"disk,omitempty"`
	Process    *ProcessUsage `json:"process,omitempty"`
}

// SampleHost reads CPU, memory, the volume holding dataDir and this
// process.
func SampleHost(dataDir string) HostSample {
	var s HostSample
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = &pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.Memory = &MemoryUsage{
			Total:       vm.Total / mib,
			Used:        vm.Used / mib,
			Available:   vm.Available / mib,
			UsedPercent: vm.UsedPercent,
		}
	}
	if d, err := GetDiskUsage(dataDir); err == nil {
		s.Disk = d
	}
	s.Process = sampleProcess()
	return s
}

// sampleProcess reports on the running process. Fields the platform cannot
// provide are left zero.
func sampleProcess() *ProcessUsage {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}
	usage := &ProcessUsage{PID: p.Pid, Goroutines: runtime.NumGoroutine()}
	if mi, err := p.MemoryInfo(); err == nil {
		usage.RSS = mi.RSS / mib
	}
	if pct, err := p.CPUPercent(); err == nil {
		usage.CPUPercent = pct
	}
	if n, err := p.NumThreads(); err == nil {
		usage.Threads = n
	}
	if files, err := p.OpenFiles(); err == nil {
		usage.OpenFiles = len(files)
	}
	if created, err := p.CreateTime(); err == nil {
		usage.StartedAt = time.UnixMilli(created).Unix()
	}
	return usage
}
