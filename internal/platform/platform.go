// Package platform samples process/host resource usage (CPU%, memory,
// goroutine count) on an interval, deliberately independent from the
// connection breaker (spec.md requires resource sampling to never gate
// or trip reconnect logic, only to report). Grounded on the teacher's
// ws/internal/single/platform/cgroup_cpu.go (container-aware CPU via
// cgroup v1/v2 files, falling back to gopsutil host CPU) and
// ws/internal/shared/monitoring/system_monitor.go (the ticker-driven
// sampler wrapping it). The teacher wraps both behind a sync.Once
// package-level singleton (GetSystemMonitor); this keeps the same
// sampling logic but exposes it as an explicit New/Start/Shutdown value
// per spec.md §9's redesign note against module-scope singletons.
package platform

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// ThrottleStats mirrors the teacher's cgroup throttle counters.
type ThrottleStats struct {
	NrPeriods    uint64
	NrThrottled  uint64
	ThrottledSec float64
}

// Snapshot is a point-in-time read of process/host resource usage.
type Snapshot struct {
	CPUPercent    float64
	HostPercent   float64
	CPUAllocation float64
	MemoryBytes   uint64
	MemoryMB      float64
	Goroutines    int
	Throttle      ThrottleStats
	Mode          string // "container" or "host"
	Timestamp     time.Time
}

// containerCPU reads cgroup v1/v2 CPU accounting files directly,
// matching the teacher's ContainerCPU.
type containerCPU struct {
	mu             sync.Mutex
	lastUsec       uint64
	lastSampleTime time.Time
	version        int
	path           string
	allocated      float64
	lastThrottle   ThrottleStats
}

func newContainerCPU() (*containerCPU, error) {
	path, version, err := detectCgroupPath()
	if err != nil {
		return nil, err
	}
	quota, period, err := readCPUQuota(path, version)
	if err != nil {
		return nil, err
	}
	allocated := float64(runtime.NumCPU())
	if quota > 0 && period > 0 {
		allocated = float64(quota) / float64(period)
	}
	usage, err := readCPUUsage(path, version)
	if err != nil {
		return nil, err
	}
	throttle, _ := readThrottleStats(path, version)
	return &containerCPU{
		lastUsec:       usage,
		lastSampleTime: time.Now(),
		version:        version,
		path:           path,
		allocated:      allocated,
		lastThrottle:   throttle,
	}, nil
}

func (cc *containerCPU) percent() (float64, ThrottleStats, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	now := time.Now()
	deltaUsec := now.Sub(cc.lastSampleTime).Microseconds()
	if deltaUsec <= 0 {
		return 0, ThrottleStats{}, fmt.Errorf("platform: sample interval too small")
	}

	usage, err := readCPUUsage(cc.path, cc.version)
	if err != nil {
		return 0, ThrottleStats{}, err
	}
	usageDelta := usage - cc.lastUsec
	raw := (float64(usageDelta) / float64(deltaUsec)) * 100.0
	percent := raw / cc.allocated

	var throttled ThrottleStats
	if cur, err := readThrottleStats(cc.path, cc.version); err == nil {
		throttled = ThrottleStats{
			NrPeriods:    cur.NrPeriods - cc.lastThrottle.NrPeriods,
			NrThrottled:  cur.NrThrottled - cc.lastThrottle.NrThrottled,
			ThrottledSec: cur.ThrottledSec - cc.lastThrottle.ThrottledSec,
		}
		cc.lastThrottle = cur
	}

	cc.lastUsec = usage
	cc.lastSampleTime = now
	return percent, throttled, nil
}

func detectCgroupPath() (path string, version int, err error) {
	f, err := os.Open("/proc/self/cgroup")
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), ":")
		if len(parts) != 3 {
			continue
		}
		if parts[0] == "0" && parts[1] == "" {
			return "/sys/fs/cgroup" + parts[2], 2, nil
		}
		if strings.Contains(parts[1], "cpu") {
			return "/sys/fs/cgroup/cpu" + parts[2], 1, nil
		}
	}
	return "", 0, fmt.Errorf("platform: could not detect cgroup path")
}

func readCPUQuota(path string, version int) (quota, period int64, err error) {
	if version == 2 {
		data, err := os.ReadFile(path + "/cpu.max")
		if err != nil {
			return 0, 0, err
		}
		fields := strings.Fields(string(data))
		if len(fields) != 2 {
			return 0, 0, fmt.Errorf("platform: unexpected cpu.max format %q", data)
		}
		if fields[0] == "max" {
			return -1, 0, nil
		}
		quota, err = strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		period, err = strconv.ParseInt(fields[1], 10, 64)
		return quota, period, err
	}

	quotaData, err := os.ReadFile(path + "/cpu.cfs_quota_us")
	if err != nil {
		return 0, 0, err
	}
	periodData, err := os.ReadFile(path + "/cpu.cfs_period_us")
	if err != nil {
		return 0, 0, err
	}
	quota, err = strconv.ParseInt(strings.TrimSpace(string(quotaData)), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	period, err = strconv.ParseInt(strings.TrimSpace(string(periodData)), 10, 64)
	return quota, period, err
}

func readCPUUsage(path string, version int) (uint64, error) {
	if version == 2 {
		f, err := os.Open(path + "/cpu.stat")
		if err != nil {
			return 0, err
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			if fields := strings.Fields(scanner.Text()); len(fields) == 2 && fields[0] == "usage_usec" {
				return strconv.ParseUint(fields[1], 10, 64)
			}
		}
		return 0, fmt.Errorf("platform: usage_usec not found")
	}

	data, err := os.ReadFile(path + "/cpuacct.usage")
	if err != nil {
		return 0, err
	}
	nsec, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	return nsec / 1000, err
}

func readThrottleStats(path string, version int) (ThrottleStats, error) {
	var stats ThrottleStats
	f, err := os.Open(path + "/cpu.stat")
	if err != nil {
		return stats, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		value, _ := strconv.ParseUint(fields[1], 10, 64)
		switch fields[0] {
		case "nr_periods":
			stats.NrPeriods = value
		case "nr_throttled":
			stats.NrThrottled = value
		case "throttled_usec":
			stats.ThrottledSec = float64(value) / 1e6
		case "throttled_time":
			stats.ThrottledSec = float64(value) / 1e9
		}
	}
	return stats, nil
}

// Monitor samples resource usage on an interval and hands snapshots to
// Metrics. It never reads breaker/connection state and is never read by
// the breaker; the two are wired side by side in the supervisor, not
// into each other.
type Monitor struct {
	logger   zerolog.Logger
	metrics  Metrics
	interval time.Duration

	mode      string
	container *containerCPU

	mu       sync.RWMutex
	snapshot Snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// Metrics is the observability hook the Monitor pushes snapshots into.
type Metrics interface {
	SetCPUPercent(percent float64)
	SetHostCPUPercent(percent float64)
	SetCPUAllocation(cores float64)
	SetMemoryBytes(bytes uint64)
	SetGoroutines(n int)
	AddThrottleEvents(n uint64)
	AddThrottledSeconds(s float64)
}

// New builds a Monitor, auto-detecting container CPU accounting and
// falling back to host-wide gopsutil measurement when cgroup files are
// unreadable (non-containerized dev boxes, macOS, etc).
func New(logger zerolog.Logger, metrics Metrics, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	m := &Monitor{logger: logger, metrics: metrics, interval: interval, mode: "host"}
	if cc, err := newContainerCPU(); err == nil {
		m.mode = "container"
		m.container = cc
		logger.Info().Str("cgroup_path", cc.path).Int("cgroup_version", cc.version).
			Float64("cpus_allocated", cc.allocated).Msg("platform: container-aware CPU measurement")
	} else {
		logger.Warn().Err(err).Msg("platform: falling back to host CPU measurement")
	}
	return m
}

// Start begins sampling on a background goroutine. Call Shutdown to stop.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sample()
			}
		}
	}()
}

// Shutdown stops sampling and waits for the goroutine to exit.
func (m *Monitor) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
}

func (m *Monitor) sample() {
	var snap Snapshot
	snap.Timestamp = time.Now()
	snap.Mode = m.mode
	snap.Goroutines = runtime.NumGoroutine()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	snap.MemoryBytes = memStats.Alloc
	snap.MemoryMB = float64(memStats.Alloc) / (1024 * 1024)

	if m.mode == "container" {
		percent, throttle, err := m.container.percent()
		if err != nil {
			m.logger.Warn().Err(err).Msg("platform: container CPU sample failed")
		} else {
			snap.CPUPercent = percent
			snap.Throttle = throttle
		}
		snap.CPUAllocation = m.container.allocated
	} else {
		snap.CPUAllocation = float64(runtime.NumCPU())
		if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
			snap.CPUPercent = pct[0]
		}
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		snap.HostPercent = pct[0]
	}

	m.mu.Lock()
	m.snapshot = snap
	m.mu.Unlock()

	if m.metrics == nil {
		return
	}
	m.metrics.SetCPUPercent(snap.CPUPercent)
	m.metrics.SetHostCPUPercent(snap.HostPercent)
	m.metrics.SetCPUAllocation(snap.CPUAllocation)
	m.metrics.SetMemoryBytes(snap.MemoryBytes)
	m.metrics.SetGoroutines(snap.Goroutines)
	if snap.Throttle.NrThrottled > 0 {
		m.metrics.AddThrottleEvents(snap.Throttle.NrThrottled)
	}
	if snap.Throttle.ThrottledSec > 0 {
		m.metrics.AddThrottledSeconds(snap.Throttle.ThrottledSec)
	}
}

// Snapshot returns the most recent sample.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
