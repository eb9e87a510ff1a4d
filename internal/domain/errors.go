package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnavailable   = errors.New("metric store unavailable")
	ErrWriteFailed   = errors.New("metric store write failed")
	ErrInvalidSample = errors.New("invalid sample")
)

type StoreErrorKind int

const (
	Unavailable StoreErrorKind = iota + 1
	WriteFailed
)

func (k StoreErrorKind) String() string {
	switch k {
	case Unavailable:
		return "unavailable"
	case WriteFailed:
		return "write failed"
	default:
		return "unknown"
	}
}

// StoreError is returned by every MetricStore operation that fails.
type StoreError struct {
	Op   string
	Kind StoreErrorKind
	Err  error
}

func NewStoreError(op string, kind StoreErrorKind, err error) *StoreError {
	return &StoreError{Op: op, Kind: kind, Err: err}
}

func (e *StoreError) Error() string {
	if e == nil {
		return "store error"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return e.Kind == Unavailable
	case ErrWriteFailed:
		return e.Kind == WriteFailed
	}
	return false
}

// AcquireError reports that a single sensor field could not be read.
type AcquireError struct {
	Field string
	Err   error
}

func (e *AcquireError) Error() string {
	if e == nil || e.Err == nil {
		return "acquire error"
	}
	return "acquire " + e.Field + ": " + e.Err.Error()
}

func (e *AcquireError) Unwrap() error { return e.Err }
