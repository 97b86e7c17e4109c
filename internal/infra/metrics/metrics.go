// Package metrics exposes session telemetry as Prometheus metrics.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voice-bridge/internal/domain"
)

const namespace = "voicebridge"

// Observer implements application.Observer on its own registry.
type Observer struct {
	registry *prometheus.Registry

	state          *prometheus.GaugeVec
	transitions    *prometheus.CounterVec
	retries        prometheus.Counter
	framesSent     prometheus.Counter
	bytesSent      prometheus.Counter
	payloadSeconds prometheus.Histogram
	interruptions  prometheus.Counter
	flushed        prometheus.Counter
	dropped        *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec

	knownTools map[string]bool
}

// New builds an Observer. Tool calls whose name is not in tools are
// counted under "unknown" so model input cannot grow the label set.
func New(tools ...string) *Observer {
	registry := prometheus.NewRegistry()

	known := make(map[string]bool, len(tools))
	for _, name := range tools {
		known[name] = true
	}

	o := &Observer{
		registry:   registry,
		knownTools: known,
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_state",
				Help:      "1 for the current session state, 0 otherwise",
			},
			[]string{"state"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_transitions_total",
				Help:      "Session state transitions",
			},
			[]string{"from", "to"},
		),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overload_retries_total",
			Help:      "Automatic reconnects scheduled after an overload close",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_frames_sent_total",
			Help:      "Captured frames transmitted",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_bytes_sent_total",
			Help:      "Encoded capture bytes transmitted",
		}),
		payloadSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "playback_payload_seconds",
			Help:      "Duration of scheduled playback payloads",
			Buckets:   []float64{0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5},
		}),
		interruptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Barge-in interruptions received",
		}),
		flushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interrupted_buffers_total",
			Help:      "Scheduled buffers stopped by interruptions",
		}),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_dropped_total",
				Help:      "Inbound messages or payloads dropped",
			},
			[]string{"reason"},
		),
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Function calls executed for the model",
			},
			[]string{"tool", "status"},
		),
	}

	registry.MustRegister(
		o.state,
		o.transitions,
		o.retries,
		o.framesSent,
		o.bytesSent,
		o.payloadSeconds,
		o.interruptions,
		o.flushed,
		o.dropped,
		o.toolCalls,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	o.state.WithLabelValues(string(domain.StateIdle)).Set(1)
	return o
}

func (o *Observer) Registry() *prometheus.Registry {
	return o.registry
}

// Handler serves the registry for scraping.
func (o *Observer) Handler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
}

func (o *Observer) StateChanged(from, to domain.State) {
	o.state.WithLabelValues(string(from)).Set(0)
	o.state.WithLabelValues(string(to)).Set(1)
	o.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (o *Observer) RetryScheduled(_ int) {
	o.retries.Inc()
}

func (o *Observer) FrameSent(bytes int) {
	o.framesSent.Inc()
	o.bytesSent.Add(float64(bytes))
}

func (o *Observer) PayloadScheduled(d time.Duration) {
	o.payloadSeconds.Observe(d.Seconds())
}

func (o *Observer) Interrupted(flushed int) {
	o.interruptions.Inc()
	o.flushed.Add(float64(flushed))
}

func (o *Observer) MessageDropped(err error) {
	o.dropped.WithLabelValues(dropReason(err)).Inc()
}

func (o *Observer) ToolCalled(name string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	if !o.knownTools[name] {
		name = "unknown"
	}
	o.toolCalls.WithLabelValues(name, status).Inc()
}

func dropReason(err error) string {
	var protoErr *domain.ProtocolError
	var playErr *domain.PlaybackError
	switch {
	case errors.As(err, &protoErr):
		return "protocol"
	case errors.As(err, &playErr):
		return "playback"
	default:
		return "other"
	}
}
