// Package metrics exposes bridge measurements to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-go/vai-callbridge/pkg/core/turn"
	"github.com/vango-go/vai-callbridge/pkg/gateway/call"
	"github.com/vango-go/vai-callbridge/pkg/gateway/dialer"
	"github.com/vango-go/vai-callbridge/pkg/gateway/media/pacer"
)

// Metrics holds all Prometheus metrics for the bridge. It implements
// call.Metrics and dialer.Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	// Calls
	callsActive   *prometheus.GaugeVec
	callsTotal    *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	configResends prometheus.Counter

	// TX pacer
	framesSent      prometheus.Counter
	frameGap        prometheus.Histogram
	framesDropped   *prometheus.CounterVec
	backpressure    prometheus.Counter
	queueDepthFrame prometheus.Histogram

	// Turn taking
	bargeInLatency prometheus.Histogram
	turnsRejected  *prometheus.CounterVec

	// Outbound dialing
	claimsTotal  *prometheus.CounterVec
	slotsInUse   *prometheus.GaugeVec
	leasesReaped prometheus.Counter
}

var (
	_ call.Metrics   = (*Metrics)(nil)
	_ dialer.Metrics = (*Metrics)(nil)
)

// New creates a Metrics instance with all collectors registered on a
// private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "callbridge"
	}

	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"route", "status"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"route"},
	)

	callsActive := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of calls currently bridged",
		},
		[]string{"direction"},
	)

	callsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total number of finished calls",
		},
		[]string{"direction", "reason"},
	)

	callDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Call duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"direction"},
	)

	configResends := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_config_resends_total",
			Help:      "Session configurations resent after the soft timeout",
		},
	)

	framesSent := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_frames_sent_total",
			Help:      "Outbound audio frames written to the telephony stream",
		},
	)

	frameGap := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tx_frame_gap_seconds",
			Help:      "Time between consecutive outbound frames",
			Buckets:   []float64{0.015, 0.018, 0.02, 0.022, 0.025, 0.04, 0.1},
		},
	)

	framesDropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_frames_dropped_total",
			Help:      "Outbound frames discarded before transmission",
		},
		[]string{"reason"},
	)

	backpressure := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_backpressure_total",
			Help:      "Times the outbound queue crossed its high watermark",
		},
	)

	queueDepth := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tx_queue_depth_frames",
			Help:      "Sampled outbound queue depth in frames",
			Buckets:   []float64{0, 5, 10, 25, 50, 100, 135, 150},
		},
	)

	bargeIn := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "barge_in_latency_seconds",
			Help:      "Caller speech start to AI audio flushed",
			Buckets:   []float64{0.05, 0.1, 0.15, 0.2, 0.25, 0.35, 0.5, 1},
		},
	)

	turnsRejected := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_rejected_total",
			Help:      "Caller turns discarded by validation",
		},
		[]string{"reason"},
	)

	claimsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dialer_claims_total",
			Help:      "Outbound slot claim attempts by result",
		},
		[]string{"tenant", "result"},
	)

	slotsInUse := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dialer_slots_in_use",
			Help:      "Outbound call slots held per tenant",
		},
		[]string{"tenant"},
	)

	reaped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dialer_leases_reaped_total",
			Help:      "Expired outbound leases reclaimed",
		},
	)

	registry.MustRegister(
		requestsTotal,
		requestDuration,
		callsActive,
		callsTotal,
		callDuration,
		configResends,
		framesSent,
		frameGap,
		framesDropped,
		backpressure,
		queueDepth,
		bargeIn,
		turnsRejected,
		claimsTotal,
		slotsInUse,
		reaped,
	)

	return &Metrics{
		registry:        registry,
		requestsTotal:   requestsTotal,
		requestDuration: requestDuration,
		callsActive:     callsActive,
		callsTotal:      callsTotal,
		callDuration:    callDuration,
		configResends:   configResends,
		framesSent:      framesSent,
		frameGap:        frameGap,
		framesDropped:   framesDropped,
		backpressure:    backpressure,
		queueDepthFrame: queueDepth,
		bargeInLatency:  bargeIn,
		turnsRejected:   turnsRejected,
		claimsTotal:     claimsTotal,
		slotsInUse:      slotsInUse,
		leasesReaped:    reaped,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(route string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func (m *Metrics) CallStarted(dir call.Direction) {
	m.callsActive.WithLabelValues(string(dir)).Inc()
}

func (m *Metrics) CallEnded(dir call.Direction, reason string, d time.Duration) {
	m.callsActive.WithLabelValues(string(dir)).Dec()
	m.callsTotal.WithLabelValues(string(dir), reason).Inc()
	m.callDuration.WithLabelValues(string(dir)).Observe(d.Seconds())
}

func (m *Metrics) ConfigResends(n int) {
	if n > 0 {
		m.configResends.Add(float64(n))
	}
}

func (m *Metrics) FrameSent(gap time.Duration) {
	m.framesSent.Inc()
	if gap > 0 {
		m.frameGap.Observe(gap.Seconds())
	}
}

func (m *Metrics) FramesDropped(reason pacer.DropReason, n int) {
	if n > 0 {
		m.framesDropped.WithLabelValues(string(reason)).Add(float64(n))
	}
}

func (m *Metrics) Backpressure() {
	m.backpressure.Inc()
}

func (m *Metrics) QueueDepth(n int) {
	m.queueDepthFrame.Observe(float64(n))
}

func (m *Metrics) BargeIn(latency time.Duration) {
	m.bargeInLatency.Observe(latency.Seconds())
}

func (m *Metrics) Rejected(reason turn.RejectReason) {
	m.turnsRejected.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) ClaimResult(tenantID, result string) {
	m.claimsTotal.WithLabelValues(tenantID, result).Inc()
}

func (m *Metrics) SlotsInUse(tenantID string, n int) {
	m.slotsInUse.WithLabelValues(tenantID).Set(float64(n))
}

func (m *Metrics) Reaped(n int) {
	if n > 0 {
		m.leasesReaped.Add(float64(n))
	}
}
