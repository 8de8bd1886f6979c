package utils

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	log "github.com/sirupsen/logrus"
)

var (
	lastCPUTime        time.Time
	lastCPUUsage       float64
	cpuUsageMutex      sync.Mutex
	cpuUsageSampleRate = 500 * time.Millisecond
)

// SystemStats enthält aktuelle System- und Anwendungsstatistiken
type SystemStats struct {
	// Prozess
	NumCPU      int     `json:"num_cpu"`
	GoRoutines  int     `json:"go_routines"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryAlloc uint64  `json:"memory_alloc"`
	MemorySys   uint64  `json:"memory_sys"`

	// Host
	Hostname          string  `json:"hostname,omitempty"`
	UptimeSeconds     uint64  `json:"uptime_seconds,omitempty"`
	HostMemoryTotal   uint64  `json:"host_memory_total,omitempty"`
	HostMemoryUsedPct float64 `json:"host_memory_used_pct,omitempty"`
	DiskFree          uint64  `json:"disk_free,omitempty"`
	DiskFreeHuman     string  `json:"disk_free_human,omitempty"`

	// Zeitstempel
	Timestamp time.Time `json:"timestamp"`
}

// FormatBytes formatiert Bytes in lesbare Einheiten (KB, MB, GB)
func FormatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d Bytes", bytes)
	}
}

// GetCPUUsage berechnet die CPU-Auslastung mit gopsutil
func GetCPUUsage() float64 {
	cpuUsageMutex.Lock()
	defer cpuUsageMutex.Unlock()

	// Innerhalb der Sampling-Rate den gecachten Wert zurückgeben
	if time.Since(lastCPUTime) < cpuUsageSampleRate && lastCPUTime.Unix() > 0 {
		return lastCPUUsage
	}

	percentages, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil {
		log.Warnf("Fehler bei CPU-Auslastungsmessung: %v", err)
		return 0.0
	}

	var usage float64
	if len(percentages) > 0 {
		usage = percentages[0] // Gesamtauslastung aller Kerne
	}

	lastCPUTime = time.Now()
	lastCPUUsage = usage

	return usage
}

// GetSystemStats erfasst Prozess- und Host-Statistiken. dataDir bestimmt das
// Dateisystem, dessen freier Speicher gemeldet wird (Warteschlange und Uploads).
func GetSystemStats(dataDir string) *SystemStats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := &SystemStats{
		NumCPU:      runtime.NumCPU(),
		GoRoutines:  runtime.NumGoroutine(),
		CPUUsage:    GetCPUUsage(),
		MemoryAlloc: memStats.Alloc,
		MemorySys:   memStats.Sys,
		Timestamp:   time.Now(),
	}

	// Host-Werte sind optional; Fehler werden nur protokolliert
	if info, err := host.Info(); err == nil {
		stats.Hostname = info.Hostname
		stats.UptimeSeconds = info.Uptime
	} else {
		log.Debugf("Host info not available: %v", err)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		stats.HostMemoryTotal = vm.Total
		stats.HostMemoryUsedPct = vm.UsedPercent
	} else {
		log.Debugf("Memory info not available: %v", err)
	}

	if dataDir != "" {
		if usage, err := disk.Usage(dataDir); err == nil {
			stats.DiskFree = usage.Free
			stats.DiskFreeHuman = FormatBytes(usage.Free)
		} else {
			log.Debugf("Disk usage of %s not available: %v", dataDir, err)
		}
	}

	return stats
}
