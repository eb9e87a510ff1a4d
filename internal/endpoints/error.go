package endpoints

import (
	"context"
	"errors"
	"net/http"
)

const (
	API_SUCCESS = iota + 303000 // 303000
	API_FAILURE                 // 303001 - store or internal failure
)

const (
	METRICS_NOT_AVAILABLE = iota + 101 // 101 - store holds no samples
	INVALID_PARAMETERS                 // 102 - malformed query string
	INVALID_WINDOW                     // 103 - window is not a positive duration within retention
	INVALID_LIMIT                      // 104 - limit is not a positive integer
	REQUEST_CANCELLED                  // 105 - client went away or timed out
	METHOD_NOT_ALLOWED                 // 106
)

var (
	ErrNoMetricsAvailable = errors.New("no metrics available yet")
	ErrInvalidParameters  = errors.New("invalid query parameters")
	ErrInvalidWindow      = errors.New("window must be a positive duration not exceeding the retention window")
	ErrInvalidLimit       = errors.New("limit must be a positive integer")
	ErrRequestCancelled   = errors.New("request cancelled by client or server timeout")
	ErrMethodNotAllowed   = errors.New("method not allowed, only GET requests are supported")
)

func GetErrorCode(err error) int {
	if err == nil {
		return API_SUCCESS
	}

	switch {
	case errors.Is(err, ErrNoMetricsAvailable):
		return METRICS_NOT_AVAILABLE
	case errors.Is(err, ErrInvalidParameters):
		return INVALID_PARAMETERS
	case errors.Is(err, ErrInvalidWindow):
		return INVALID_WINDOW
	case errors.Is(err, ErrInvalidLimit):
		return INVALID_LIMIT
	case errors.Is(err, ErrRequestCancelled), errors.Is(err, context.Canceled):
		return REQUEST_CANCELLED
	case errors.Is(err, ErrMethodNotAllowed):
		return METHOD_NOT_ALLOWED
	default:
		return API_FAILURE
	}
}

// StatusCode maps an error onto the HTTP status the query service answers with.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNoMetricsAvailable):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidParameters), errors.Is(err, ErrInvalidWindow), errors.Is(err, ErrInvalidLimit):
		return http.StatusBadRequest
	case errors.Is(err, ErrRequestCancelled), errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	case errors.Is(err, ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}
