// Package sysinfo reports host telemetry for the admin dashboard and the
// health endpoint. It uses gopsutil for cross-platform system data.
package sysinfo

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
)

// Snapshot holds a single collection cycle's data.
type Snapshot struct {
	Hostname    string    `json:"hostname"`
	LocalIP     string    `json:"local_ip"`
	OS          string    `json:"os"`
	Uptime      uint64    `json:"uptime_seconds"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemUsage    float64   `json:"mem_usage"`
	DiskUsage   float64   `json:"disk_usage"` // partition holding the database
	DBSize      int64     `json:"db_size_bytes"`
	Goroutines  int       `json:"goroutines"`
	RxBytes     int64     `json:"rx_bytes"` // bytes/s since last snapshot
	TxBytes     int64     `json:"tx_bytes"` // bytes/s since last snapshot
	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers host metrics. DBPath points at the sqlite file.
type Collector struct {
	DBPath string
	// CPUWindow is how long cpu.Percent samples; zero compares against the
	// previous call.
	CPUWindow time.Duration

	mu          sync.Mutex
	prevRx      uint64
	prevTx      uint64
	prevTime    time.Time
	initialized bool
}

// NewCollector creates a ready-to-use Collector.
func NewCollector(dbPath string) *Collector {
	return &Collector{DBPath: dbPath}
}

// Collect gathers the current system snapshot. Probes that fail leave their
// field zero.
func (c *Collector) Collect() *Snapshot {
	snap := &Snapshot{
		OS:          detailedOS(),
		LocalIP:     localIP(),
		Goroutines:  runtime.NumGoroutine(),
		CollectedAt: time.Now(),
	}
	if h, err := os.Hostname(); err == nil {
		snap.Hostname = h
	}
	if up, err := host.Uptime(); err == nil {
		snap.Uptime = up
	}
	if pcts, err := cpu.Percent(c.CPUWindow, false); err == nil && len(pcts) > 0 {
		snap.CPUUsage = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemUsage = vm.UsedPercent
	}
	snap.DiskUsage = diskUsage(c.DBPath)
	if fi, err := os.Stat(c.DBPath); err == nil {
		snap.DBSize = fi.Size()
	}
	snap.RxBytes, snap.TxBytes = c.netBandwidth()
	return snap
}

// detailedOS returns a descriptive OS version string, or runtime.GOOS as fallback.
func detailedOS() string {
	info, err := host.Info()
	if err == nil && info.Platform != "" {
		if info.PlatformVersion != "" {
			return fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion)
		}
		return info.Platform
	}
	return runtime.GOOS
}

// localIP returns the first non-loopback IPv4 address.
func localIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.To4() != nil && !ip.IsLoopback() {
				return ip.String()
			}
		}
	}
	return ""
}

// diskUsage returns the used percentage of the partition holding path,
// falling back to the root partition.
func diskUsage(path string) float64 {
	dir := "."
	if path != "" {
		if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
			dir = filepath.Dir(path)
		}
	}
	if u, err := disk.Usage(dir); err == nil {
		return u.UsedPercent
	}
	if u, err := disk.Usage("/"); err == nil {
		return u.UsedPercent
	}
	return 0
}

// netBandwidth computes bytes/s since the last call using IOCounters deltas.
func (c *Collector) netBandwidth() (rxBps, txBps int64) {
	stats, err := psnet.IOCounters(false) // aggregate all interfaces
	if err != nil || len(stats) == 0 {
		return 0, 0
	}
	now := time.Now()
	curRx := stats[0].BytesRecv
	curTx := stats[0].BytesSent

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized && curRx >= c.prevRx && curTx >= c.prevTx {
		if dt := now.Sub(c.prevTime).Seconds(); dt > 0 {
			rxBps = int64(float64(curRx-c.prevRx) / dt)
			txBps = int64(float64(curTx-c.prevTx) / dt)
		}
	}

	c.prevRx = curRx
	c.prevTx = curTx
	c.prevTime = now
	c.initialized = true
	return
}
