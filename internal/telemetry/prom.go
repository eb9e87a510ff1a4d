package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared by the sampler and the query service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SamplesAppended prometheus.Counter
	AppendFailures  prometheus.Counter
	TicksSkipped    prometheus.Counter
	AcquireFailures *prometheus.CounterVec
	RowsPruned      prometheus.Counter
	PruneFailures   prometheus.Counter
	LatestTimestamp prometheus.Gauge
	Temperature     prometheus.Gauge
	StoreLatency    *prometheus.HistogramVec
	HTTPRequests    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SamplesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sysmon_samples_appended_total",
			Help: "Samples successfully written to the store.",
		}),
		AppendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sysmon_append_failures_total",
			Help: "Append calls that returned a store error.",
		}),
		TicksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sysmon_ticks_skipped_total",
			Help: "Sampling ticks dropped because no OS counter could be read.",
		}),
		AcquireFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sysmon_acquire_failures_total",
			Help: "Per-field sensor read failures.",
		}, []string{"field"}),
		RowsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sysmon_rows_pruned_total",
			Help: "Rows removed by retention pruning.",
		}),
		PruneFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sysmon_prune_failures_total",
			Help: "Prune calls that returned a store error.",
		}),
		LatestTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sysmon_latest_sample_timestamp_seconds",
			Help: "Timestamp of the most recently appended sample.",
		}),
		Temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sysmon_temperature_celsius",
			Help: "Last temperature reading.",
		}),
		StoreLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sysmon_store_op_duration_seconds",
			Help:    "Duration of store write operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sysmon_http_requests_total",
			Help: "Query service requests by route and status code.",
		}, []string{"route", "code"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SamplesAppended,
			m.AppendFailures,
			m.TicksSkipped,
			m.AcquireFailures,
			m.RowsPruned,
			m.PruneFailures,
			m.LatestTimestamp,
			m.Temperature,
			m.StoreLatency,
			m.HTTPRequests,
		)
	}
	return m
}

func (m *Metrics) ObserveAppend(seconds float64, err error, timestamp int64) {
	if m == nil {
		return
	}
	m.StoreLatency.WithLabelValues("append").Observe(seconds)
	if err != nil {
		m.AppendFailures.Inc()
		return
	}
	m.SamplesAppended.Inc()
	m.LatestTimestamp.Set(float64(timestamp))
}

func (m *Metrics) ObservePrune(seconds float64, removed int64, err error) {
	if m == nil {
		return
	}
	m.StoreLatency.WithLabelValues("prune").Observe(seconds)
	if err != nil {
		m.PruneFailures.Inc()
		return
	}
	m.RowsPruned.Add(float64(removed))
}

func (m *Metrics) AcquireFailed(field string) {
	if m == nil {
		return
	}
	m.AcquireFailures.WithLabelValues(field).Inc()
}

func (m *Metrics) TickSkipped() {
	if m == nil {
		return
	}
	m.TicksSkipped.Inc()
}

func (m *Metrics) SetTemperature(celsius float64) {
	if m == nil {
		return
	}
	m.Temperature.Set(celsius)
}

func (m *Metrics) Request(route, code string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, code).Inc()
}
