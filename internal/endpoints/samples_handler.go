package endpoints

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"sysmon/internal/domain"
	"sysmon/internal/util"
)

const DefaultHistoryWindow = 10 * time.Minute

// SampleView is the JSON shape of one sample. Absent readings are null.
type SampleView struct {
	Timestamp     int64    `json:"timestamp"`
	Time          string   `json:"time"`
	CPUPercent    *float64 `json:"cpu_percent"`
	MemoryPercent *float64 `json:"memory_percent"`
	Temperature   *float64 `json:"temperature"`
	DiskPercent   *float64 `json:"disk_percent"`
}

func nullable(v float64) *float64 {
	if domain.IsAbsent(v) {
		return nil
	}
	return &v
}

func NewSampleView(s domain.Sample) SampleView {
	return SampleView{
		Timestamp:     s.Timestamp,
		Time:          time.Unix(s.Timestamp, 0).UTC().Format(time.RFC3339),
		CPUPercent:    nullable(s.CPUPercent),
		MemoryPercent: nullable(s.MemoryPercent),
		Temperature:   nullable(s.Temperature),
		DiskPercent:   nullable(s.DiskPercent),
	}
}

type SamplesOptions struct {
	// HistoryWindow is used when /api/history has no window parameter.
	HistoryWindow time.Duration
	// Retention caps the window a caller may ask for; zero leaves it uncapped.
	Retention time.Duration
	Clock     func() time.Time
}

type Samples struct {
	Response APIResponse
	logger   *util.Logger
	store    domain.MetricStore
	opts     SamplesOptions
}

func (m *Samples) Init(store domain.MetricStore, logger *util.Logger, opts SamplesOptions) {
	if logger == nil {
		logger = &util.Logger{}
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultHistoryWindow
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	m.store = store
	m.logger = logger
	m.opts = opts
}

func (m *Samples) allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	m.logger.LogEvent(util.LOG_LEVEL_ERROR, "Method Not Allowed:", r.Method, r.URL.Path)
	m.Response.WriteErrorResponse(w, ErrMethodNotAllowed)
	return false
}

// storeFailure answers a failed store call, telling a client that went away
// apart from a broken store.
func (m *Samples) storeFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, context.Canceled) || r.Context().Err() != nil {
		m.logger.LogEvent(util.LOG_LEVEL_WARN, "Context cancelled during", op)
		m.Response.WriteErrorResponse(w, ErrRequestCancelled)
		return
	}
	m.logger.LogFields(util.LOG_LEVEL_ERROR, "Store query failed", zap.String("op", op), zap.Error(err))
	m.Response.WriteErrorResponseWithStatusCode(w, err, http.StatusInternalServerError)
}

func (m *Samples) LatestHandler(w http.ResponseWriter, r *http.Request) {
	if !m.allowGet(w, r) {
		return
	}

	latest, found, err := m.store.Latest(r.Context())
	if err != nil {
		m.storeFailure(w, r, "latest", err)
		return
	}
	if !found {
		m.logger.LogEvent(util.LOG_LEVEL_DEBUG, "No samples stored yet")
		m.Response.WriteErrorResponse(w, ErrNoMetricsAvailable)
		return
	}

	m.Response.WriteResultResponse(w, NewSampleView(latest))
}

func (m *Samples) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	if !m.allowGet(w, r) {
		return
	}

	window, limit, err := m.historyParams(r)
	if err != nil {
		m.logger.LogEvent(util.LOG_LEVEL_WARN, "Rejected history query", r.URL.RawQuery, "-", err)
		m.Response.WriteErrorResponse(w, err)
		return
	}

	since := m.opts.Clock().Add(-window).Unix()
	samples, err := m.store.History(r.Context(), since, limit)
	if err != nil {
		m.storeFailure(w, r, "history", err)
		return
	}

	views := make([]SampleView, 0, len(samples))
	for _, s := range samples {
		views = append(views, NewSampleView(s))
	}
	m.Response.WriteResultResponse(w, views)
}

var historyKeys = map[string]bool{"window": true, "limit": true}

func (m *Samples) historyParams(r *http.Request) (time.Duration, int, error) {
	query := r.URL.Query()
	for key, values := range query {
		if !historyKeys[key] || len(values) > 1 {
			return 0, 0, fmt.Errorf("%w: unexpected or repeated %q", ErrInvalidParameters, key)
		}
	}

	window := m.opts.HistoryWindow
	if raw := query.Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return 0, 0, ErrInvalidWindow
		}
		window = d
	}
	if window <= 0 || (m.opts.Retention > 0 && window > m.opts.Retention) {
		return 0, 0, ErrInvalidWindow
	}

	limit := 0
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return 0, 0, ErrInvalidLimit
		}
		limit = n
	}

	return window, limit, nil
}
