package sampler

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sysmon/internal/domain"
	"sysmon/internal/repository"
	"sysmon/internal/sensors"
	"sysmon/internal/telemetry"
)

type MockSource struct {
	cpu         float64
	memory      float64
	disk        float64
	temperature float64
	cpuErr      error
	memErr      error
	diskErr     error
	tempErr     error
	// block, when set, holds AcquireCPU until ctx is done.
	block bool
}

func (m *MockSource) AcquireCPU(ctx context.Context) (float64, error) {
	if m.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return m.cpu, m.cpuErr
}

func (m *MockSource) AcquireMemory(ctx context.Context) (float64, error) {
	return m.memory, m.memErr
}

func (m *MockSource) AcquireDisk(ctx context.Context) (float64, error) {
	return m.disk, m.diskErr
}

func (m *MockSource) AcquireTemperature(ctx context.Context) (float64, error) {
	return m.temperature, m.tempErr
}

type MockMetricStore struct {
	mu         sync.Mutex
	samples    []domain.Sample
	appendErr  error
	pruneErr   error
	cutoffs    []int64
	appendCtxs []context.Context
	// appendHook runs inside Append before the sample is recorded.
	appendHook func(ctx context.Context)
}

func (m *MockMetricStore) Append(ctx context.Context, sample domain.Sample) error {
	if m.appendHook != nil {
		m.appendHook(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendCtxs = append(m.appendCtxs, ctx)
	if m.appendErr != nil {
		return m.appendErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.samples = append(m.samples, sample)
	return nil
}

func (m *MockMetricStore) Latest(ctx context.Context) (domain.Sample, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.samples) == 0 {
		return domain.Sample{}, false, nil
	}
	return m.samples[len(m.samples)-1], true, nil
}

func (m *MockMetricStore) Range(ctx context.Context, since int64) iter.Seq2[domain.Sample, error] {
	return func(yield func(domain.Sample, error) bool) {
		for _, s := range m.snapshot() {
			if s.Timestamp >= since && !yield(s, nil) {
				return
			}
		}
	}
}

func (m *MockMetricStore) History(ctx context.Context, since int64, limit int) ([]domain.Sample, error) {
	var out []domain.Sample
	for s, err := range m.Range(ctx, since) {
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *MockMetricStore) Prune(ctx context.Context, cutoff int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoffs = append(m.cutoffs, cutoff)
	if m.pruneErr != nil {
		return 0, m.pruneErr
	}
	kept := m.samples[:0]
	for _, s := range m.samples {
		if s.Timestamp >= cutoff {
			kept = append(kept, s)
		}
	}
	removed := int64(len(m.samples) - len(kept))
	m.samples = kept
	return removed, nil
}

func (m *MockMetricStore) Count(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.samples)), nil
}

func (m *MockMetricStore) Close() error {
	return nil
}

func (m *MockMetricStore) snapshot() []domain.Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Sample(nil), m.samples...)
}

func fixedClock(ts int64) func() time.Time {
	return func() time.Time { return time.Unix(ts, 0) }
}

func healthySource() *MockSource {
	return &MockSource{cpu: 12.5, memory: 40, disk: 55, temperature: 47.5}
}

func TestSampleOnce(t *testing.T) {
	store := &MockMetricStore{}
	s := New(store, healthySource(), nil, nil, Options{Clock: fixedClock(1000)})

	assert.True(t, s.SampleOnce(context.Background()))
	assert.Equal(t, []domain.Sample{{Timestamp: 1000, CPUPercent: 12.5, MemoryPercent: 40, Temperature: 47.5, DiskPercent: 55}}, store.snapshot())
}

func TestSampleOnce_TemperatureUnavailable(t *testing.T) {
	store := &MockMetricStore{}
	source := healthySource()
	source.tempErr = &domain.AcquireError{Field: "temperature", Err: sensors.ErrUnsupported}
	metrics := telemetry.New(prometheus.NewRegistry())
	s := New(store, source, nil, metrics, Options{Clock: fixedClock(1000)})

	require.True(t, s.SampleOnce(context.Background()))

	samples := store.snapshot()
	require.Len(t, samples, 1)
	assert.True(t, domain.IsAbsent(samples[0].Temperature))
	assert.Equal(t, 12.5, samples[0].CPUPercent)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AcquireFailures.WithLabelValues("temperature")))
}

func TestSampleOnce_PartialFailure(t *testing.T) {
	store := &MockMetricStore{}
	source := healthySource()
	source.memErr = errors.New("meminfo unreadable")
	s := New(store, source, nil, nil, Options{Clock: fixedClock(1000)})

	require.True(t, s.SampleOnce(context.Background()))
	samples := store.snapshot()
	require.Len(t, samples, 1)
	assert.True(t, domain.IsAbsent(samples[0].MemoryPercent))
	assert.Equal(t, 55.0, samples[0].DiskPercent)
}

func TestSampleOnce_TotalFailureSkipsTick(t *testing.T) {
	store := &MockMetricStore{}
	source := healthySource()
	source.cpuErr = errors.New("no /proc")
	source.memErr = errors.New("no /proc")
	source.diskErr = errors.New("statfs failed")
	metrics := telemetry.New(prometheus.NewRegistry())
	s := New(store, source, nil, metrics, Options{Clock: fixedClock(1000)})

	assert.False(t, s.SampleOnce(context.Background()))
	assert.Empty(t, store.snapshot())
	assert.Empty(t, store.appendCtxs, "no append attempted")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TicksSkipped))
}

func TestSampleOnce_AppendFailureKeepsGoing(t *testing.T) {
	store := &MockMetricStore{appendErr: domain.NewStoreError("append", domain.WriteFailed, errors.New("database is locked"))}
	now := int64(1000)
	s := New(store, healthySource(), nil, nil, Options{Clock: func() time.Time { return time.Unix(now, 0) }})

	assert.False(t, s.SampleOnce(context.Background()))

	store.mu.Lock()
	store.appendErr = nil
	store.mu.Unlock()
	now = 1010

	assert.True(t, s.SampleOnce(context.Background()))
	samples := store.snapshot()
	require.Len(t, samples, 1)
	assert.Equal(t, int64(1010), samples[0].Timestamp)
}

func TestSampleOnce_ClockBackwards(t *testing.T) {
	store := &MockMetricStore{}
	now := int64(2000)
	s := New(store, healthySource(), nil, nil, Options{Clock: func() time.Time { return time.Unix(now, 0) }})

	require.True(t, s.SampleOnce(context.Background()))
	now = 1500
	require.True(t, s.SampleOnce(context.Background()))
	now = 2010
	require.True(t, s.SampleOnce(context.Background()))

	var got []int64
	for _, sample := range store.snapshot() {
		got = append(got, sample.Timestamp)
	}
	assert.Equal(t, []int64{2000, 2000, 2010}, got)
}

func TestSampleOnce_CancelledDuringAcquire(t *testing.T) {
	store := &MockMetricStore{}
	source := healthySource()
	source.block = true
	s := New(store, source, nil, nil, Options{Clock: fixedClock(1000)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, s.SampleOnce(ctx))
	assert.Empty(t, store.appendCtxs)
}

func TestSampleOnce_InFlightWriteSurvivesShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := &MockMetricStore{}
	store.appendHook = func(context.Context) { cancel() }
	s := New(store, healthySource(), nil, nil, Options{Clock: fixedClock(1000), WriteTimeout: time.Second})

	assert.True(t, s.SampleOnce(ctx))
	assert.Len(t, store.snapshot(), 1)

	require.Len(t, store.appendCtxs, 1)
	_, hasDeadline := store.appendCtxs[0].Deadline()
	assert.True(t, hasDeadline, "write is bounded by WriteTimeout")
}

func TestPruneOnce(t *testing.T) {
	store := &MockMetricStore{samples: []domain.Sample{{Timestamp: 100}, {Timestamp: 200}, {Timestamp: 300}}}
	s := New(store, healthySource(), nil, nil, Options{Clock: fixedClock(350), Retention: 100 * time.Second})

	removed, err := s.PruneOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
	assert.Equal(t, []int64{250}, store.cutoffs)

	store.pruneErr = domain.NewStoreError("prune", domain.WriteFailed, context.DeadlineExceeded)
	_, err = s.PruneOnce(context.Background())
	assert.ErrorIs(t, err, domain.ErrWriteFailed)
	assert.Len(t, store.snapshot(), 1)
}

func TestRun(t *testing.T) {
	store := &MockMetricStore{samples: []domain.Sample{{Timestamp: 5000}}}
	s := New(store, healthySource(), nil, nil, Options{
		Interval:      10 * time.Millisecond,
		PruneInterval: 20 * time.Millisecond,
		Retention:     time.Hour,
		Clock:         fixedClock(4000),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, _ := store.Count(context.Background())
		return n >= 4
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	for _, sample := range store.snapshot() {
		assert.GreaterOrEqual(t, sample.Timestamp, int64(5000), "seeded from the stored latest sample")
	}
	store.mu.Lock()
	assert.NotEmpty(t, store.cutoffs, "prune runs at startup")
	store.mu.Unlock()
}

func TestSampler_WithSQLiteStore(t *testing.T) {
	store, err := repository.Open(context.Background(), filepath.Join(t.TempDir(), "sysmon.db"), repository.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := int64(100)
	s := New(store, healthySource(), nil, nil, Options{
		Retention: 100 * time.Second,
		Clock:     func() time.Time { return time.Unix(now, 0) },
	})

	for _, ts := range []int64{100, 150, 200, 250} {
		now = ts
		require.True(t, s.SampleOnce(context.Background()))
	}

	now = 300
	removed, err := s.PruneOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	history, err := store.History(context.Background(), 0, 0)
	require.NoError(t, err)
	var got []int64
	for _, sample := range history {
		got = append(got, sample.Timestamp)
	}
	assert.Equal(t, []int64{200, 250}, got)
}
