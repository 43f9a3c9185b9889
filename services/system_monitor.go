package services

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// SystemHealth is a point-in-time sample of the host the agent runs on.
// The usual deployment is a Raspberry Pi near the vehicle, where the
// failure modes worth watching are a full SD card and thermal throttling.
type SystemHealth struct {
	CPUUsage       float64   `json:"cpu_usage"`
	MemoryUsed     uint64    `json:"memory_used"`
	MemoryTotal    uint64    `json:"memory_total"`
	MemoryPercent  float64   `json:"memory_percent"`
	DiskUsed       uint64    `json:"disk_used"`
	DiskTotal      uint64    `json:"disk_total"`
	DiskPercent    float64   `json:"disk_percent"`
	CPUTemperature float64   `json:"cpu_temperature"`
	Uptime         string    `json:"uptime"`
	LastUpdated    time.Time `json:"last_updated"`
}

type cpuStat struct {
	user   uint64
	nice   uint64
	system uint64
	idle   uint64
	iowait uint64
}

// SystemMonitor samples host health from /proc and the thermal zone.
// CPU usage is computed between consecutive samples, so the first call
// after startup reports zero. Safe for concurrent use.
type SystemMonitor struct {
	dataDir string

	mu       sync.Mutex
	lastStat cpuStat
	lastSeen bool
}

// NewSystemMonitor reports disk usage for the filesystem holding dataDir,
// where the telemetry files actually grow.
func NewSystemMonitor(dataDir string) *SystemMonitor {
	return &SystemMonitor{dataDir: dataDir}
}

func (m *SystemMonitor) Health() SystemHealth {
	health := SystemHealth{LastUpdated: time.Now()}

	health.CPUUsage = m.cpuUsage()

	total, available := memoryInfo()
	health.MemoryTotal = total
	if total >= available {
		health.MemoryUsed = total - available
	}
	if total > 0 {
		health.MemoryPercent = float64(health.MemoryUsed) / float64(total) * 100
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(m.dataDir, &stat); err == nil {
		health.DiskTotal = stat.Blocks * uint64(stat.Bsize)
		free := stat.Bfree * uint64(stat.Bsize)
		if health.DiskTotal >= free {
			health.DiskUsed = health.DiskTotal - free
		}
		if health.DiskTotal > 0 {
			health.DiskPercent = float64(health.DiskUsed) / float64(health.DiskTotal) * 100
		}
	}

	health.CPUTemperature = cpuTemperature()
	health.Uptime = systemUptime()

	return health
}

// cpuUsage derives utilization from the delta of the aggregate cpu line in
// /proc/stat since the previous call.
func (m *SystemMonitor) cpuUsage() float64 {
	file, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		return 0
	}
	line := scanner.Text()
	if !strings.HasPrefix(line, "cpu ") {
		return 0
	}
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return 0
	}

	current := cpuStat{
		user:   parseUint64(fields[1]),
		nice:   parseUint64(fields[2]),
		system: parseUint64(fields[3]),
		idle:   parseUint64(fields[4]),
	}
	if len(fields) > 5 {
		current.iowait = parseUint64(fields[5])
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lastSeen {
		m.lastStat = current
		m.lastSeen = true
		return 0
	}

	totalDelta := (current.user + current.nice + current.system + current.idle + current.iowait) -
		(m.lastStat.user + m.lastStat.nice + m.lastStat.system + m.lastStat.idle + m.lastStat.iowait)
	idleDelta := current.idle - m.lastStat.idle
	m.lastStat = current

	if totalDelta == 0 {
		return 0
	}
	return 100.0 * float64(totalDelta-idleDelta) / float64(totalDelta)
}

func memoryInfo() (total, available uint64) {
	file, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		// Values are reported in kB.
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			total = parseUint64(fields[1]) * 1024
		case "MemAvailable":
			available = parseUint64(fields[1]) * 1024
		}
		if total > 0 && available > 0 {
			break
		}
	}
	return total, available
}

// cpuTemperature reads the Raspberry Pi thermal zone, in millidegrees.
// Returns zero on hosts without one.
func cpuTemperature() float64 {
	data, err := os.ReadFile("/sys/class/thermal/thermal_zone0/temp")
	if err != nil {
		return 0
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0
	}
	return milli / 1000.0
}

func systemUptime() string {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return "unknown"
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return "unknown"
	}
	seconds, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "unknown"
	}

	duration := time.Duration(seconds) * time.Second
	days := int(duration.Hours() / 24)
	hours := int(duration.Hours()) % 24
	minutes := int(duration.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

func parseUint64(s string) uint64 {
	val, _ := strconv.ParseUint(s, 10, 64)
	return val
}
