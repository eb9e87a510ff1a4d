// Package sensors reads host health figures from procfs, statfs and the
// kernel thermal interface.
package sensors

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"sysmon/internal/domain"
)

const (
	DefaultCPUWindow       = time.Second
	DefaultDiskPath        = "/"
	DefaultTemperaturePath = "/sys/class/thermal/thermal_zone0/temp"
)

// ErrUnsupported means the host has no such sensor. It is not a transient failure.
var ErrUnsupported = errors.New("sensor not supported on this host")

type Options struct {
	CPUWindow       time.Duration
	DiskPath        string
	TemperaturePath string
}

// HostSource implements domain.SampleSource for Linux hosts.
type HostSource struct {
	cpuWindow       time.Duration
	diskPath        string
	temperaturePath string

	// Overridable for tests.
	openProcStat    func() (io.ReadCloser, error)
	openProcMeminfo func() (io.ReadCloser, error)
	openThermal     func(path string) (io.ReadCloser, error)
	statfsFunc      func(path string, buf *unix.Statfs_t) error
	sleep           func(ctx context.Context, d time.Duration) error
}

var _ domain.SampleSource = (*HostSource)(nil)

func NewHostSource(opts Options) *HostSource {
	if opts.CPUWindow <= 0 {
		opts.CPUWindow = DefaultCPUWindow
	}
	if opts.DiskPath == "" {
		opts.DiskPath = DefaultDiskPath
	}
	if opts.TemperaturePath == "" {
		opts.TemperaturePath = DefaultTemperaturePath
	}

	return &HostSource{
		cpuWindow:       opts.CPUWindow,
		diskPath:        opts.DiskPath,
		temperaturePath: opts.TemperaturePath,
		openProcStat: func() (io.ReadCloser, error) {
			return os.Open("/proc/stat")
		},
		openProcMeminfo: func() (io.ReadCloser, error) {
			return os.Open("/proc/meminfo")
		},
		openThermal: func(path string) (io.ReadCloser, error) {
			return os.Open(path)
		},
		statfsFunc: unix.Statfs,
		sleep:      sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func acquireErr(field string, err error) error {
	return &domain.AcquireError{Field: field, Err: err}
}

// AcquireCPU reports the busy share of all CPUs across one cpuWindow.
func (h *HostSource) AcquireCPU(ctx context.Context) (float64, error) {
	idle1, total1, err := h.readCPUTimes()
	if err != nil {
		return domain.Absent, acquireErr("cpu", err)
	}
	if err := h.sleep(ctx, h.cpuWindow); err != nil {
		return domain.Absent, acquireErr("cpu", err)
	}
	idle2, total2, err := h.readCPUTimes()
	if err != nil {
		return domain.Absent, acquireErr("cpu", err)
	}

	if total2 <= total1 {
		return domain.Absent, acquireErr("cpu", errors.New("cpu counters did not advance"))
	}
	deltaTotal := total2 - total1
	var deltaIdle uint64
	if idle2 > idle1 {
		deltaIdle = idle2 - idle1
	}

	return clampPercent((1.0 - float64(deltaIdle)/float64(deltaTotal)) * 100.0), nil
}

// readCPUTimes returns idle (idle+iowait) and total jiffies from the
// aggregate "cpu" line of /proc/stat.
func (h *HostSource) readCPUTimes() (idle, total uint64, err error) {
	f, err := h.openProcStat()
	if err != nil {
		return 0, 0, fmt.Errorf("open /proc/stat: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}

		// cpu user nice system idle iowait irq softirq steal guest guest_nice
		fields := strings.Fields(line)
		if len(fields) < 5 {
			return 0, 0, errors.New("/proc/stat cpu line too short")
		}
		for i := 1; i < len(fields); i++ {
			// guest time is already counted in user/nice
			if i > 8 {
				break
			}
			val, err := strconv.ParseUint(fields[i], 10, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("parse /proc/stat field %d: %w", i, err)
			}
			total += val
			if i == 4 || i == 5 {
				idle += val
			}
		}
		return idle, total, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, fmt.Errorf("read /proc/stat: %w", err)
	}
	return 0, 0, errors.New("cpu line not found in /proc/stat")
}

// AcquireMemory computes (MemTotal - MemAvailable) / MemTotal.
func (h *HostSource) AcquireMemory(ctx context.Context) (float64, error) {
	f, err := h.openProcMeminfo()
	if err != nil {
		return domain.Absent, acquireErr("memory", fmt.Errorf("open /proc/meminfo: %w", err))
	}
	defer f.Close()

	var memTotal, memAvailable uint64
	var foundTotal, foundAvailable bool

	scanner := bufio.NewScanner(f)
	for scanner.Scan() && !(foundTotal && foundAvailable) {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			if memTotal, err = parseMemInfoLine(line); err != nil {
				return domain.Absent, acquireErr("memory", fmt.Errorf("parse MemTotal: %w", err))
			}
			foundTotal = true
		case strings.HasPrefix(line, "MemAvailable:"):
			if memAvailable, err = parseMemInfoLine(line); err != nil {
				return domain.Absent, acquireErr("memory", fmt.Errorf("parse MemAvailable: %w", err))
			}
			foundAvailable = true
		}
	}

	if !foundTotal || !foundAvailable {
		return domain.Absent, acquireErr("memory", errors.New("MemTotal or MemAvailable missing from /proc/meminfo"))
	}
	if memTotal == 0 {
		return domain.Absent, acquireErr("memory", errors.New("MemTotal is zero"))
	}
	if memAvailable > memTotal {
		memAvailable = memTotal
	}

	return clampPercent(float64(memTotal-memAvailable) / float64(memTotal) * 100.0), nil
}

// Format: "MemTotal:       16384000 kB"
func parseMemInfoLine(line string) (uint64, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, fmt.Errorf("too few fields: %q", line)
	}
	return strconv.ParseUint(fields[1], 10, 64)
}

// AcquireDisk reports usage of the filesystem holding diskPath the way df
// does: used / (used + available to unprivileged users).
func (h *HostSource) AcquireDisk(ctx context.Context) (float64, error) {
	var stat unix.Statfs_t
	if err := h.statfsFunc(h.diskPath, &stat); err != nil {
		return domain.Absent, acquireErr("disk", fmt.Errorf("statfs %s: %w", h.diskPath, err))
	}
	if stat.Blocks == 0 {
		return domain.Absent, acquireErr("disk", errors.New("filesystem reports zero blocks"))
	}

	used := stat.Blocks - stat.Bfree
	total := used + stat.Bavail
	if total == 0 {
		return 0, nil
	}
	return clampPercent(float64(used) / float64(total) * 100.0), nil
}

// AcquireTemperature reads the thermal zone in millidegrees Celsius. A missing
// zone yields ErrUnsupported; no value is ever made up.
func (h *HostSource) AcquireTemperature(ctx context.Context) (float64, error) {
	f, err := h.openThermal(h.temperaturePath)
	if errors.Is(err, os.ErrNotExist) {
		return domain.Absent, acquireErr("temperature", ErrUnsupported)
	}
	if err != nil {
		return domain.Absent, acquireErr("temperature", err)
	}
	defer f.Close()

	raw, err := io.ReadAll(io.LimitReader(f, 64))
	if err != nil {
		return domain.Absent, acquireErr("temperature", err)
	}
	milli, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return domain.Absent, acquireErr("temperature", fmt.Errorf("parse %s: %w", h.temperaturePath, err))
	}
	return float64(milli) / 1000.0, nil
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
