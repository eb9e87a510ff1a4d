package domain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSampleValidate(t *testing.T) {
	tests := []struct {
		name    string
		sample  Sample
		wantErr bool
	}{
		{"all present", Sample{Timestamp: 10, CPUPercent: 10, MemoryPercent: 20, DiskPercent: 30, Temperature: 45}, false},
		{"all absent", Sample{Timestamp: 10, CPUPercent: Absent, MemoryPercent: Absent, DiskPercent: Absent, Temperature: Absent}, false},
		{"bounds inclusive", Sample{Timestamp: 0, CPUPercent: 0, MemoryPercent: 100, DiskPercent: 100, Temperature: -10}, false},
		{"negative timestamp", Sample{Timestamp: -1}, true},
		{"cpu over 100", Sample{Timestamp: 1, CPUPercent: 100.5}, true},
		{"memory negative", Sample{Timestamp: 1, MemoryPercent: -0.1}, true},
		{"disk over 100", Sample{Timestamp: 1, DiskPercent: 101}, true},
		{"temperature infinite", Sample{Timestamp: 1, Temperature: math.Inf(1)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sample.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSample)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStoreErrorIs(t *testing.T) {
	cause := context.DeadlineExceeded
	err := fmt.Errorf("append: %w", NewStoreError("append", WriteFailed, cause))

	assert.True(t, errors.Is(err, ErrWriteFailed))
	assert.False(t, errors.Is(err, ErrUnavailable))
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "cause should stay reachable")

	var storeErr *StoreError
	assert.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "append", storeErr.Op)
	assert.Contains(t, err.Error(), "write failed")

	openErr := NewStoreError("open", Unavailable, errors.New("file is not a database"))
	assert.ErrorIs(t, openErr, ErrUnavailable)
	assert.Equal(t, "open: unavailable: file is not a database", openErr.Error())
}

func TestAcquireError(t *testing.T) {
	cause := errors.New("no such file")
	err := &AcquireError{Field: "temperature", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "acquire temperature: no such file", err.Error())
}
