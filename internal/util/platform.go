package util

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemInfo holds information about the host system.
type SystemInfo struct {
	Platform     string   `json:"platform"`
	Hostname     string   `json:"hostname"`
	OS           string   `json:"os"`
	Architecture string   `json:"architecture"`
	CPUModel     string   `json:"cpu_model"`
	CPUCores     int      `json:"cpu_cores"`
	CPUThreads   int      `json:"cpu_threads"`
	TotalMemory  uint64   `json:"total_memory_mb"`
	UptimeSec    uint64   `json:"uptime_sec"`
}

// GetSystemInfo gathers system information.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		Platform:     runtime.GOOS,
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}

	if hostInfo, err := host.Info(); err == nil {
		info.OS = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
		info.UptimeSec = hostInfo.Uptime
	}

	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
		info.CPUThreads = int(cpuInfo[0].Cores)
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = memInfo.Total / (1024 * 1024) // Convert to MB
	}

	return info
}

// LocalIPv4s returns the non-loopback IPv4 addresses of this host.
func LocalIPv4s() ([]netip.Addr, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}

	var out []netip.Addr
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip, ok := netip.AddrFromSlice(ipNet.IP.To4()); ok && ip.Is4() {
			out = append(out, ip)
		}
	}
	return out, nil
}

// HasLocalAddress reports whether ip is assigned to one of this host's
// interfaces. The FMS expects to own the field address (10.0.100.5).
func HasLocalAddress(ip netip.Addr) bool {
	addrs, err := LocalIPv4s()
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, a := range addrs {
		if a == ip {
			return true
		}
	}
	return false
}

// DiskUsage holds disk usage statistics for a path.
type DiskUsage struct {
	Total       uint64  `json:"total_gb"`
	Used        uint64  `json:"used_gb"`
	Free        uint64  `json:"free_gb"`
	UsedPercent float64 `json:"used_percent"`
}

// GetDiskUsage returns disk usage for the specified path.
func GetDiskUsage(path string) (*DiskUsage, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return nil, err
	}

	return &DiskUsage{
		Total:       usage.Total / (1024 * 1024 * 1024),
		Used:        usage.Used / (1024 * 1024 * 1024),
		Free:        usage.Free / (1024 * 1024 * 1024),
		UsedPercent: usage.UsedPercent,
	}, nil
}

// MemoryUsage holds system memory usage.
type MemoryUsage struct {
	Total       uint64  `json:"total_mb"`
	Used        uint64  `json:"used_mb"`
	Available   uint64  `json:"available_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// HostUsage is a point-in-time view of host load. Any part that could not
// be read is left nil.
type HostUsage struct {
	CPUPercent *float64     `json:"cpu_percent,omitempty"`
	Memory     *MemoryUsage `json:"memory,omitempty"`
	Disk       *DiskUsage   `json:"disk,omitempty"`
}

// GetHostUsage samples CPU, memory, and the disk holding dataDir.
func GetHostUsage(dataDir string) HostUsage {
	var u HostUsage

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		u.CPUPercent = &pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		u.Memory = &MemoryUsage{
			Total:       vm.Total / (1024 * 1024),
			Used:        vm.Used / (1024 * 1024),
			Available:   vm.Available / (1024 * 1024),
			UsedPercent: vm.UsedPercent,
		}
	}
	if d, err := GetDiskUsage(dataDir); err == nil {
		u.Disk = d
	}
	return u
}
