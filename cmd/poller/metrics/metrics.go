// Package metrics provides Prometheus instrumentation for the poller.
//
// Metrics exposed:
//   - highwayvlm_poll_attempts_total: poll attempts by camera and outcome
//   - highwayvlm_vlm_calls_total: model calls by result
//   - highwayvlm_fetch_seconds: snapshot fetch duration
//   - highwayvlm_analyze_seconds: model call duration
//   - highwayvlm_write_seconds: archive write duration
//   - highwayvlm_consecutive_failures: current failure streak per camera
//   - highwayvlm_hourly_writes_total: hourly heartbeat writes by outcome
//   - highwayvlm_incidents_total: incidents recorded by severity
//   - highwayvlm_inflight_attempts: attempts currently running
//   - highwayvlm_errors_total: errors by component and reason
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the poller.
type Metrics struct {
	PollAttempts        *prometheus.CounterVec
	VLMCalls            *prometheus.CounterVec
	FetchSeconds        prometheus.Histogram
	AnalyzeSeconds      prometheus.Histogram
	WriteSeconds        prometheus.Histogram
	ConsecutiveFailures *prometheus.GaugeVec
	HourlyWrites        *prometheus.CounterVec
	Incidents           *prometheus.CounterVec
	InFlight            prometheus.Gauge
	ErrorsTotal         *prometheus.CounterVec
}

// New registers the poller metrics on reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		PollAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "highwayvlm_poll_attempts_total",
			Help: "Poll attempts by camera and outcome",
		}, []string{"camera", "outcome"}),

		VLMCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "highwayvlm_vlm_calls_total",
			Help: "Model calls by result (ok or error kind)",
		}, []string{"result"}),

		FetchSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "highwayvlm_fetch_seconds",
			Help:    "Time spent fetching snapshots",
			Buckets: prometheus.DefBuckets,
		}),

		AnalyzeSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "highwayvlm_analyze_seconds",
			Help:    "Time spent in model calls, including retries",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),

		WriteSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "highwayvlm_write_seconds",
			Help:    "Time spent writing an attempt to the archive",
			Buckets: prometheus.DefBuckets,
		}),

		ConsecutiveFailures: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "highwayvlm_consecutive_failures",
			Help: "Current consecutive failed attempts per camera",
		}, []string{"camera"}),

		HourlyWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "highwayvlm_hourly_writes_total",
			Help: "Hourly heartbeat writes by outcome",
		}, []string{"outcome"}),

		Incidents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "highwayvlm_incidents_total",
			Help: "Incidents recorded by severity",
		}, []string{"severity"}),

		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "highwayvlm_inflight_attempts",
			Help: "Poll attempts currently running",
		}),

		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "highwayvlm_errors_total",
			Help: "Total number of errors by component and reason",
		}, []string{"component", "reason"}),
	}
}

// RecordAttempt counts one finished attempt.
func (m *Metrics) RecordAttempt(camera, outcome string) {
	m.PollAttempts.WithLabelValues(camera, outcome).Inc()
}

// RecordVLMCall counts one model call by result.
func (m *Metrics) RecordVLMCall(result string) {
	m.VLMCalls.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordFetch(seconds float64) {
	m.FetchSeconds.Observe(seconds)
}

func (m *Metrics) RecordAnalyze(seconds float64) {
	m.AnalyzeSeconds.Observe(seconds)
}

func (m *Metrics) RecordWrite(seconds float64) {
	m.WriteSeconds.Observe(seconds)
}

// SetConsecutiveFailures sets the failure streak gauge for camera.
func (m *Metrics) SetConsecutiveFailures(camera string, n int) {
	m.ConsecutiveFailures.WithLabelValues(camera).Set(float64(n))
}

func (m *Metrics) RecordHourly(outcome string) {
	m.HourlyWrites.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordIncident(severity string) {
	m.Incidents.WithLabelValues(severity).Inc()
}

func (m *Metrics) IncInFlight() { m.InFlight.Inc() }
func (m *Metrics) DecInFlight() { m.InFlight.Dec() }

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, reason string) {
	m.ErrorsTotal.WithLabelValues(component, reason).Inc()
}
