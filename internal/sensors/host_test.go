package sensors

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"sysmon/internal/domain"
)

type stringReadCloser struct {
	*strings.Reader
}

func (s *stringReadCloser) Close() error { return nil }

func newReadCloser(content string) io.ReadCloser {
	return &stringReadCloser{strings.NewReader(content)}
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func TestAcquireCPU(t *testing.T) {
	readings := []string{
		"cpu  100 0 50 800 50 0 0 0 0 0\ncpu0 100 0 50 800 50 0 0 0 0 0\n",
		// +100 busy (user 60, system 40), +100 idle (idle 80, iowait 20)
		"cpu  160 0 90 880 70 0 0 0 0 0\ncpu0 160 0 90 880 70 0 0 0 0 0\n",
	}
	calls := 0

	h := NewHostSource(Options{})
	h.sleep = noSleep
	h.openProcStat = func() (io.ReadCloser, error) {
		r := newReadCloser(readings[calls])
		calls++
		return r, nil
	}

	pct, err := h.AcquireCPU(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 50.0, pct, 0.001)
	assert.Equal(t, 2, calls)
}

func TestAcquireCPU_Failures(t *testing.T) {
	tests := []struct {
		name     string
		readings []string
		openErr  error
	}{
		{name: "open fails", openErr: fs.ErrPermission},
		{name: "no aggregate line", readings: []string{"intr 1 2 3\n"}},
		{name: "short line", readings: []string{"cpu  1 2 3\n"}},
		{name: "bad number", readings: []string{"cpu  1 x 3 4 5\n"}},
		{name: "counters did not move", readings: []string{"cpu  1 2 3 4 5\n", "cpu  1 2 3 4 5\n"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			h := NewHostSource(Options{})
			h.sleep = noSleep
			h.openProcStat = func() (io.ReadCloser, error) {
				if tt.openErr != nil {
					return nil, tt.openErr
				}
				r := newReadCloser(tt.readings[calls%len(tt.readings)])
				calls++
				return r, nil
			}

			pct, err := h.AcquireCPU(context.Background())
			assert.Error(t, err)
			assert.True(t, domain.IsAbsent(pct))

			var acqErr *domain.AcquireError
			assert.True(t, errors.As(err, &acqErr))
			assert.Equal(t, "cpu", acqErr.Field)
		})
	}
}

func TestAcquireCPU_Cancelled(t *testing.T) {
	h := NewHostSource(Options{CPUWindow: time.Hour})
	h.openProcStat = func() (io.ReadCloser, error) {
		return newReadCloser("cpu  1 2 3 4 5\n"), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.AcquireCPU(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAcquireMemory(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    float64
		wantErr bool
	}{
		{
			name:    "normal",
			content: "MemTotal:       16000000 kB\nMemFree:         1000000 kB\nMemAvailable:    4000000 kB\n",
			want:    75.0,
		},
		{
			name:    "missing available",
			content: "MemTotal:       16000000 kB\nMemFree:         1000000 kB\n",
			wantErr: true,
		},
		{
			name:    "zero total",
			content: "MemTotal:       0 kB\nMemAvailable:    0 kB\n",
			wantErr: true,
		},
		{
			name:    "garbage value",
			content: "MemTotal:       lots kB\nMemAvailable:    1 kB\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHostSource(Options{})
			h.openProcMeminfo = func() (io.ReadCloser, error) {
				return newReadCloser(tt.content), nil
			}

			got, err := h.AcquireMemory(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, domain.IsAbsent(got))
				return
			}
			assert.NoError(t, err)
			assert.InDelta(t, tt.want, got, 0.001)
		})
	}
}

func TestAcquireDisk(t *testing.T) {
	h := NewHostSource(Options{DiskPath: "/data"})
	var gotPath string
	h.statfsFunc = func(path string, buf *unix.Statfs_t) error {
		gotPath = path
		buf.Blocks = 1000
		buf.Bfree = 400
		buf.Bavail = 200
		return nil
	}

	pct, err := h.AcquireDisk(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/data", gotPath)
	// used 600 of 600+200 visible blocks
	assert.InDelta(t, 75.0, pct, 0.001)

	h.statfsFunc = func(path string, buf *unix.Statfs_t) error {
		return unix.ENOENT
	}
	pct, err = h.AcquireDisk(context.Background())
	assert.ErrorIs(t, err, unix.ENOENT)
	assert.True(t, domain.IsAbsent(pct))

	h.statfsFunc = func(path string, buf *unix.Statfs_t) error { return nil }
	_, err = h.AcquireDisk(context.Background())
	assert.Error(t, err, "zero blocks should be reported")
}

func TestAcquireTemperature(t *testing.T) {
	dir := t.TempDir()

	zone := filepath.Join(dir, "temp")
	require.NoError(t, os.WriteFile(zone, []byte("48250\n"), 0644))

	h := NewHostSource(Options{TemperaturePath: zone})
	got, err := h.AcquireTemperature(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 48.25, got, 0.0001)

	// missing zone: unsupported, never a made-up reading
	h = NewHostSource(Options{TemperaturePath: filepath.Join(dir, "missing")})
	got, err = h.AcquireTemperature(context.Background())
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.True(t, domain.IsAbsent(got))

	bad := filepath.Join(dir, "bad")
	require.NoError(t, os.WriteFile(bad, []byte("hot\n"), 0644))
	h = NewHostSource(Options{TemperaturePath: bad})
	got, err = h.AcquireTemperature(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnsupported)
	assert.True(t, domain.IsAbsent(got))
}
