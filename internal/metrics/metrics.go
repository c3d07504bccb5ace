// Package metrics exposes Prometheus collectors for the synthesis service.
//
// All recording methods are safe to call on a nil *Metrics so components can
// be constructed without instrumentation in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "polyglot_tts"

// Outcome labels shared by the request and segment collectors.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
	OutcomeTimeout  = "timeout"
)

// Metrics holds the service collectors.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestSegments prometheus.Histogram
	segmentDuration *prometheus.HistogramVec
	voiceLoads      *prometheus.CounterVec
	voiceLoadTime   *prometheus.HistogramVec
	loadedVoices    prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry(), true)
}

// NewWithRegistry registers the collectors on reg. Runtime collectors are
// added only when withRuntime is set.
func NewWithRegistry(reg *prometheus.Registry, withRuntime bool) *Metrics {
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Synthesis requests by outcome.",
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end synthesis request latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"outcome"}),
		requestSegments: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_segments",
			Help:      "Number of segments per synthesis request.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 20},
		}),
		segmentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_duration_seconds",
			Help:      "Engine time per synthesized segment.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"voice", "outcome"}),
		voiceLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_loads_total",
			Help:      "Voice model loads by result.",
		}, []string{"voice", "result"}),
		voiceLoadTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "voice_load_duration_seconds",
			Help:      "Time spent loading a voice model.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"voice"}),
		loadedVoices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loaded_voices",
			Help:      "Voice models currently held by the cache.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP handler latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.requests,
		m.requestDuration,
		m.requestSegments,
		m.segmentDuration,
		m.voiceLoads,
		m.voiceLoadTime,
		m.loadedVoices,
		m.httpRequests,
		m.httpDuration,
	)
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ObserveRequest records one orchestrator request.
func (m *Metrics) ObserveRequest(segments int, d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
	m.requestDuration.WithLabelValues(outcome).Observe(d.Seconds())
	m.requestSegments.Observe(float64(segments))
}

// ObserveSegment records one engine synthesis call.
func (m *Metrics) ObserveSegment(voice string, d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.segmentDuration.WithLabelValues(voice, outcome).Observe(d.Seconds())
}

// ObserveVoiceLoad records one voice model load.
func (m *Metrics) ObserveVoiceLoad(voice string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := OutcomeOK
	if err != nil {
		result = OutcomeError
	}
	m.voiceLoads.WithLabelValues(voice, result).Inc()
	m.voiceLoadTime.WithLabelValues(voice).Observe(d.Seconds())
}

// SetLoadedVoices publishes the number of cached voice models.
func (m *Metrics) SetLoadedVoices(n int) {
	if m == nil {
		return
	}
	m.loadedVoices.Set(float64(n))
}

// ObserveHTTP records one HTTP response.
func (m *Metrics) ObserveHTTP(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}
