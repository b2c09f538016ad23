package observers

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harunnryd/speechbridge/pkg/metrics"
)

// PrometheusObserver turns session events into Prometheus series. Session ids
// never become labels; they only key the first-result latency bookkeeping.
type PrometheusObserver struct {
	registry *prometheus.Registry

	ActiveSessions   prometheus.Gauge
	Sessions         *prometheus.CounterVec
	SessionDuration  *prometheus.HistogramVec
	Requests         *prometheus.CounterVec
	AudioBytes       *prometheus.CounterVec
	Results          *prometheus.CounterVec
	ResultConfidence *prometheus.HistogramVec
	ResultsEvicted   *prometheus.CounterVec
	Restarts         *prometheus.CounterVec
	Fatals           *prometheus.CounterVec
	PendingDropped   *prometheus.CounterVec
	FirstResult      *prometheus.HistogramVec

	mu         sync.Mutex
	firstAudio map[string]time.Time
}

func NewPrometheusObserver() *PrometheusObserver {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	byProvider := []string{metrics.TagProvider}

	return &PrometheusObserver{
		registry: reg,
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "speechbridge_active_sessions",
			Help: "Current number of connected sessions",
		}),
		Sessions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "speechbridge_sessions_total",
			Help: "Total number of sessions started",
		}, byProvider),
		SessionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "speechbridge_session_duration_seconds",
			Help:    "Session lifetime from connect to teardown",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, byProvider),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "speechbridge_control_requests_total",
			Help: "Control requests received, by verb",
		}, []string{metrics.TagProvider, metrics.TagVerb}),
		AudioBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "speechbridge_audio_bytes_total",
			Help: "Audio bytes received from clients",
		}, byProvider),
		Results: f.NewCounterVec(prometheus.CounterOpts{
			Name: "speechbridge_results_total",
			Help: "Final transcription results produced",
		}, byProvider),
		ResultConfidence: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "speechbridge_result_confidence",
			Help:    "Confidence of final results",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}, byProvider),
		ResultsEvicted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "speechbridge_results_evicted_total",
			Help: "Results dropped from a full result buffer",
		}, byProvider),
		Restarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "speechbridge_provider_restarts_total",
			Help: "Remote recognition sessions restarted",
		}, byProvider),
		Fatals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "speechbridge_provider_fatal_total",
			Help: "Remote recognition failures that ended a session",
		}, byProvider),
		PendingDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "speechbridge_pending_audio_dropped_total",
			Help: "Queued audio chunks dropped while the remote session was not ready",
		}, byProvider),
		FirstResult: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "speechbridge_first_result_seconds",
			Help:    "Time from the first audio chunk to the first final result of a session",
			Buckets: []float64{0.25, 0.5, 1, 2, 3, 5, 10, 20},
		}, byProvider),
		firstAudio: make(map[string]time.Time),
	}
}

// Registry exposes the registry for tests and extra collectors.
func (o *PrometheusObserver) Registry() *prometheus.Registry { return o.registry }

// Handler serves the registry in the Prometheus text format.
func (o *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{Registry: o.registry})
}

func (o *PrometheusObserver) RecordEvent(ev metrics.Event) {
	provider := ev.Provider()
	session := ev.SessionID()
	switch ev.Name {
	case metrics.EventSessionStart:
		o.ActiveSessions.Inc()
		o.Sessions.WithLabelValues(provider).Inc()
	case metrics.EventSessionEnd:
		o.ActiveSessions.Dec()
		o.SessionDuration.WithLabelValues(provider).Observe(ev.Value)
		o.forget(session)
	case metrics.EventControlRequest:
		o.Requests.WithLabelValues(provider, ev.Verb()).Inc()
	case metrics.EventAudioBytes:
		o.AudioBytes.WithLabelValues(provider).Add(ev.Value)
		o.markAudio(session, ev.Time)
	case metrics.EventResultFinal:
		o.Results.WithLabelValues(provider).Inc()
		o.ResultConfidence.WithLabelValues(provider).Observe(ev.Value)
		if start, ok := o.takeFirstAudio(session); ok {
			o.FirstResult.WithLabelValues(provider).Observe(ev.Time.Sub(start).Seconds())
		}
	case metrics.EventResultEvicted:
		o.ResultsEvicted.WithLabelValues(provider).Inc()
	case metrics.EventProviderRestart:
		o.Restarts.WithLabelValues(provider).Inc()
	case metrics.EventProviderFatal:
		o.Fatals.WithLabelValues(provider).Inc()
	case metrics.EventPendingDropped:
		o.PendingDropped.WithLabelValues(provider).Inc()
	}
}

func (o *PrometheusObserver) markAudio(session string, at time.Time) {
	if session == "" {
		return
	}
	o.mu.Lock()
	if _, ok := o.firstAudio[session]; !ok {
		o.firstAudio[session] = at
	}
	o.mu.Unlock()
}

// takeFirstAudio reports the first audio time once per session. The entry is
// kept as a zero time so later results are not measured.
func (o *PrometheusObserver) takeFirstAudio(session string) (time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	start, ok := o.firstAudio[session]
	if !ok || start.IsZero() {
		return time.Time{}, false
	}
	o.firstAudio[session] = time.Time{}
	return start, true
}

func (o *PrometheusObserver) forget(session string) {
	o.mu.Lock()
	delete(o.firstAudio, session)
	o.mu.Unlock()
}

var _ metrics.Observer = (*PrometheusObserver)(nil)
