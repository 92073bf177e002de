package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hls-abr/internal/recovery"
)

// Metrics holds Prometheus counters and gauges for the decision server.
// It implements player.Recorder, so every session core reports into it.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        *prometheus.CounterVec
	errorsTotal          *prometheus.CounterVec
	requestDuration      *prometheus.HistogramVec
	sessionsCreatedTotal prometheus.Counter
	sessionsEndedTotal   *prometheus.CounterVec
	activeSessions       prometheus.Gauge
	levelSwitchesTotal   *prometheus.CounterVec
	selectedBitrate      prometheus.Histogram
	abortsTotal          *prometheus.CounterVec
	recoveryActionsTotal *prometheus.CounterVec
	fatalErrorsTotal     *prometheus.CounterVec
	bandwidthEstimate    prometheus.Gauge
}

// New creates and registers Prometheus metrics for the decision server.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_requests_total",
			Help: "Total number of HTTP requests received, by method and route",
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx), by route and status",
		}, []string{"route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "abr_request_duration_seconds",
			Help:    "Time spent answering decision server requests, by route",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"route"}),
		sessionsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abr_sessions_created_total",
			Help: "Total number of playback sessions created",
		}),
		sessionsEndedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_sessions_ended_total",
			Help: "Total number of playback sessions ended, by reason",
		}, []string{"reason"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "abr_active_sessions",
			Help: "Number of playback sessions that are not ended",
		}),
		levelSwitchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_level_switches_total",
			Help: "Total number of load level changes, by direction",
		}, []string{"direction"}),
		selectedBitrate: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "abr_selected_bitrate_bps",
			Help:    "Bitrate of the level selected on each switch",
			Buckets: prometheus.ExponentialBuckets(250_000, 2, 8),
		}),
		abortsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_load_aborts_total",
			Help: "Total number of fragment loads abandoned by the abandon monitor",
		}, []string{"immediate"}),
		recoveryActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_recovery_actions_total",
			Help: "Total number of recovery actions taken, by action",
		}, []string{"action"}),
		fatalErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_fatal_errors_total",
			Help: "Total number of unrecoverable errors, by details",
		}, []string{"details"}),
		bandwidthEstimate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "abr_bandwidth_estimate_bps",
			Help: "Last bandwidth estimate reported by any session",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.requestDuration,
		m.sessionsCreatedTotal,
		m.sessionsEndedTotal,
		m.activeSessions,
		m.levelSwitchesTotal,
		m.selectedBitrate,
		m.abortsTotal,
		m.recoveryActionsTotal,
		m.fatalErrorsTotal,
		m.bandwidthEstimate,
	)
	return m
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveRequest records one answered request on route, the chi route
// pattern such as "/sessions/{session_id}/next-level".
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(method, route).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
	if status >= 400 {
		m.errorsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	}
}

// IncSessionsCreated increments the sessions created counter.
func (m *Metrics) IncSessionsCreated() {
	m.sessionsCreatedTotal.Inc()
}

// IncSessionsEnded counts a session ended for reason ("deleted", "idle").
func (m *Metrics) IncSessionsEnded(reason string) {
	m.sessionsEndedTotal.WithLabelValues(reason).Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// LevelSwitched implements player.Recorder.
func (m *Metrics) LevelSwitched(from, to, bitrate int) {
	direction := "up"
	switch {
	case from < 0:
		direction = "initial"
	case to < from:
		direction = "down"
	}
	m.levelSwitchesTotal.WithLabelValues(direction).Inc()
	m.selectedBitrate.Observe(float64(bitrate))
}

// LoadAborted implements player.Recorder.
func (m *Metrics) LoadAborted(immediate bool) {
	m.abortsTotal.WithLabelValues(strconv.FormatBool(immediate)).Inc()
}

// RecoveryAction implements player.Recorder.
func (m *Metrics) RecoveryAction(a recovery.Action) {
	m.recoveryActionsTotal.WithLabelValues(a.String()).Inc()
}

// Fatal implements player.Recorder.
func (m *Metrics) Fatal(details recovery.ErrorDetail) {
	m.fatalErrorsTotal.WithLabelValues(string(details)).Inc()
}

// BandwidthEstimate implements player.Recorder.
func (m *Metrics) BandwidthEstimate(bps float64) {
	m.bandwidthEstimate.Set(bps)
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
