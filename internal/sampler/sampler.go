// Package sampler drives periodic acquisition into the metric store and
// periodic retention pruning.
package sampler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"sysmon/internal/domain"
	"sysmon/internal/sensors"
	"sysmon/internal/telemetry"
	"sysmon/internal/util"
)

const (
	DefaultInterval      = 10 * time.Second
	DefaultPruneInterval = time.Hour
	DefaultRetention     = 24 * time.Hour
	DefaultWriteTimeout  = 5 * time.Second
)

type Options struct {
	Interval      time.Duration
	PruneInterval time.Duration
	Retention     time.Duration
	// WriteTimeout bounds each Append and Prune, including one that is
	// still running when shutdown starts.
	WriteTimeout time.Duration
	// TemperatureWarn logs a warning above this many degrees; zero disables it.
	TemperatureWarn float64
	Clock           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.PruneInterval <= 0 {
		o.PruneInterval = DefaultPruneInterval
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Sampler is owned by the goroutine running Run; its methods are not safe for
// concurrent use.
type Sampler struct {
	store   domain.MetricStore
	source  domain.SampleSource
	logger  *util.Logger
	metrics *telemetry.Metrics
	opts    Options

	lastTimestamp int64
	failing       map[string]bool
}

func New(store domain.MetricStore, source domain.SampleSource, logger *util.Logger, metrics *telemetry.Metrics, opts Options) *Sampler {
	if logger == nil {
		logger = &util.Logger{}
	}
	return &Sampler{
		store:   store,
		source:  source,
		logger:  logger,
		metrics: metrics,
		opts:    opts.withDefaults(),
		failing: make(map[string]bool),
	}
}

// Run samples and prunes once immediately, then on their own tickers until
// ctx is cancelled. It always returns nil; per-tick failures are logged.
func (s *Sampler) Run(ctx context.Context) error {
	if latest, ok, err := s.store.Latest(ctx); err == nil && ok {
		s.lastTimestamp = latest.Timestamp
	}

	s.logger.LogFields(util.LOG_LEVEL_INFO, "Sampler started",
		zap.Duration("interval", s.opts.Interval),
		zap.Duration("prune_interval", s.opts.PruneInterval),
		zap.Duration("retention", s.opts.Retention),
	)

	sampleTicker := time.NewTicker(s.opts.Interval)
	defer sampleTicker.Stop()
	pruneTicker := time.NewTicker(s.opts.PruneInterval)
	defer pruneTicker.Stop()

	s.PruneOnce(ctx)
	s.SampleOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.LogEvent(util.LOG_LEVEL_INFO, "Sampler stopped")
			return nil
		case <-sampleTicker.C:
			if ctx.Err() == nil {
				s.SampleOnce(ctx)
			}
		case <-pruneTicker.C:
			if ctx.Err() == nil {
				s.PruneOnce(ctx)
			}
		}
	}
}

// writeContext keeps storage calls alive past a shutdown signal, so a write
// that already started commits or rolls back on its own terms.
func (s *Sampler) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opts.WriteTimeout)
}

// SampleOnce runs one sampling tick and reports whether a row was appended.
func (s *Sampler) SampleOnce(ctx context.Context) bool {
	sample, ok := s.acquire(ctx)
	if !ok {
		return false
	}
	if ctx.Err() != nil {
		// acquisition was cut short by shutdown
		return false
	}

	wctx, cancel := s.writeContext(ctx)
	defer cancel()

	start := time.Now()
	err := s.store.Append(wctx, sample)
	s.metrics.ObserveAppend(time.Since(start).Seconds(), err, sample.Timestamp)
	if err != nil {
		s.logger.LogFields(util.LOG_LEVEL_ERROR, "Append failed, skipping tick",
			zap.Int64("timestamp", sample.Timestamp), zap.Error(err))
		return false
	}

	s.lastTimestamp = sample.Timestamp
	s.logger.LogFields(util.LOG_LEVEL_DEBUG, "Sample stored",
		zap.Int64("timestamp", sample.Timestamp),
		zap.Float64("cpu_percent", sample.CPUPercent),
		zap.Float64("memory_percent", sample.MemoryPercent),
		zap.Float64("temperature", sample.Temperature),
		zap.Float64("disk_percent", sample.DiskPercent),
	)
	return true
}

func (s *Sampler) acquire(ctx context.Context) (domain.Sample, bool) {
	ts := s.opts.Clock().Unix()
	if ts < s.lastTimestamp {
		s.logger.LogFields(util.LOG_LEVEL_WARN, "Clock went backwards, reusing last timestamp",
			zap.Int64("clock", ts), zap.Int64("last", s.lastTimestamp))
		ts = s.lastTimestamp
	}
	sample := domain.Sample{Timestamp: ts}

	fields := []struct {
		name    string
		acquire func(context.Context) (float64, error)
		dst     *float64
	}{
		{"cpu", s.source.AcquireCPU, &sample.CPUPercent},
		{"memory", s.source.AcquireMemory, &sample.MemoryPercent},
		{"disk", s.source.AcquireDisk, &sample.DiskPercent},
		{"temperature", s.source.AcquireTemperature, &sample.Temperature},
	}

	osFields, osFailures := 0, 0
	for _, f := range fields {
		if f.name != "temperature" {
			osFields++
		}
		v, err := f.acquire(ctx)
		if err != nil {
			*f.dst = domain.Absent
			s.acquireFailed(f.name, err)
			if f.name != "temperature" {
				osFailures++
			}
			continue
		}
		*f.dst = v
		s.acquireRecovered(f.name)
	}

	if osFailures == osFields {
		s.metrics.TickSkipped()
		s.logger.LogFields(util.LOG_LEVEL_ERROR, "No OS counters readable, skipping tick", zap.Int64("timestamp", ts))
		return domain.Sample{}, false
	}

	if !domain.IsAbsent(sample.Temperature) {
		s.metrics.SetTemperature(sample.Temperature)
		if s.opts.TemperatureWarn > 0 && sample.Temperature > s.opts.TemperatureWarn {
			s.logger.LogFields(util.LOG_LEVEL_WARN, "Temperature exceeds threshold",
				zap.Float64("temperature", sample.Temperature),
				zap.Float64("threshold", s.opts.TemperatureWarn))
		}
	}
	return sample, true
}

// acquireFailed logs the first failure of a streak loudly and the rest at debug.
func (s *Sampler) acquireFailed(field string, err error) {
	s.metrics.AcquireFailed(field)

	level := util.LOG_LEVEL_DEBUG
	if !s.failing[field] {
		level = util.LOG_LEVEL_WARN
		if errors.Is(err, sensors.ErrUnsupported) {
			level = util.LOG_LEVEL_INFO
		}
	}
	s.failing[field] = true
	s.logger.LogFields(level, "Sensor read failed, recording as absent", zap.String("field", field), zap.Error(err))
}

func (s *Sampler) acquireRecovered(field string) {
	if !s.failing[field] {
		return
	}
	delete(s.failing, field)
	s.logger.LogFields(util.LOG_LEVEL_INFO, "Sensor read recovered", zap.String("field", field))
}

// PruneOnce removes samples older than the retention window. A failure is
// logged and left for the next retention tick.
func (s *Sampler) PruneOnce(ctx context.Context) (int64, error) {
	cutoff := s.opts.Clock().Add(-s.opts.Retention).Unix()

	wctx, cancel := s.writeContext(ctx)
	defer cancel()

	start := time.Now()
	removed, err := s.store.Prune(wctx, cutoff)
	s.metrics.ObservePrune(time.Since(start).Seconds(), removed, err)
	if err != nil {
		s.logger.LogFields(util.LOG_LEVEL_ERROR, "Prune failed, retrying next retention tick",
			zap.Int64("cutoff", cutoff), zap.Error(err))
		return 0, err
	}

	s.logger.LogFields(util.LOG_LEVEL_INFO, "Pruned old samples",
		zap.Int64("cutoff", cutoff), zap.Int64("removed", removed))
	return removed, nil
}
