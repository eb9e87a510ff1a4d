package domain

import (
	"context"
	"fmt"
	"iter"
	"math"
)

// Absent marks a field that could not be acquired during a tick.
var Absent = math.NaN()

func IsAbsent(v float64) bool {
	return math.IsNaN(v)
}

type Sample struct {
	ID            int64
	Timestamp     int64
	CPUPercent    float64
	MemoryPercent float64
	Temperature   float64
	DiskPercent   float64
}

// Validate checks the field ranges. Absent values always pass.
func (s Sample) Validate() error {
	if s.Timestamp < 0 {
		return fmt.Errorf("%w: negative timestamp %d", ErrInvalidSample, s.Timestamp)
	}

	percents := []struct {
		name  string
		value float64
	}{
		{"cpu_percent", s.CPUPercent},
		{"memory_percent", s.MemoryPercent},
		{"disk_percent", s.DiskPercent},
	}
	for _, p := range percents {
		if IsAbsent(p.value) {
			continue
		}
		if p.value < 0 || p.value > 100 {
			return fmt.Errorf("%w: %s %v out of range [0,100]", ErrInvalidSample, p.name, p.value)
		}
	}

	if !IsAbsent(s.Temperature) && math.IsInf(s.Temperature, 0) {
		return fmt.Errorf("%w: temperature is infinite", ErrInvalidSample)
	}
	return nil
}

type MetricStore interface {
	Append(ctx context.Context, sample Sample) error
	Latest(ctx context.Context) (Sample, bool, error)
	Range(ctx context.Context, since int64) iter.Seq2[Sample, error]
	History(ctx context.Context, since int64, limit int) ([]Sample, error)
	Prune(ctx context.Context, cutoff int64) (int64, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

// SampleSource is read once per field per tick; any acquisition may fail on its own.
type SampleSource interface {
	AcquireCPU(ctx context.Context) (float64, error)
	AcquireMemory(ctx context.Context) (float64, error)
	AcquireDisk(ctx context.Context) (float64, error)
	AcquireTemperature(ctx context.Context) (float64, error)
}
