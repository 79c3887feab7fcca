package observers

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/metrics"
)

// PrometheusObserver exports call-engine events as Prometheus series.
// Unknown event names are counted under voicegate_events_total.
type PrometheusObserver struct {
	activeSessions prometheus.Gauge
	sessionsTotal  *prometheus.CounterVec
	bargeIns       prometheus.Counter
	fallbacks      prometheus.Counter
	replyRequests  prometheus.Counter
	toolCalls      *prometheus.CounterVec
	droppedChunks  prometheus.Counter
	audioBytes     *prometheus.CounterVec
	events         *prometheus.CounterVec
}

func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voicegate_active_sessions",
			Help: "Number of live call sessions.",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicegate_sessions_total",
			Help: "Call sessions created, by voice mode.",
		}, []string{"voice_mode"}),
		bargeIns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicegate_barge_ins_total",
			Help: "Caller interruptions of in-flight replies.",
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicegate_fallback_activations_total",
			Help: "Switch-overs from the duplex channel to turn-based mode.",
		}),
		replyRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicegate_reply_requests_total",
			Help: "Debounced reply-generation requests sent to the duplex channel.",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicegate_tool_calls_total",
			Help: "Tool invocations issued by the reasoning channel.",
		}, []string{"tool"}),
		droppedChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicegate_dropped_chunks_total",
			Help: "Inbound audio chunks dropped by the rate limiter.",
		}),
		audioBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicegate_audio_bytes_total",
			Help: "Audio bytes relayed, by direction.",
		}, []string{"direction"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicegate_events_total",
			Help: "Engine events by name.",
		}, []string{"name"}),
	}
	reg.MustRegister(
		o.activeSessions, o.sessionsTotal, o.bargeIns, o.fallbacks,
		o.replyRequests, o.toolCalls, o.droppedChunks, o.audioBytes, o.events,
	)
	return o
}

func (o *PrometheusObserver) RecordEvent(ev metrics.MetricsEvent) {
	switch ev.Name {
	case "session_created":
		o.activeSessions.Inc()
		o.sessionsTotal.WithLabelValues(ev.Tags["voice_mode"]).Inc()
	case "session_ended":
		o.activeSessions.Dec()
	case "barge_in":
		o.bargeIns.Inc()
	case "fallback_activated":
		o.fallbacks.Inc()
	case "reply_requested":
		o.replyRequests.Inc()
	case "tool_invoked":
		o.toolCalls.WithLabelValues(ev.Tags["tool"]).Inc()
	case "chunk_dropped":
		o.droppedChunks.Inc()
	case "audio_in":
		o.audioBytes.WithLabelValues("in").Add(ev.Value)
	case "audio_out":
		o.audioBytes.WithLabelValues("out").Add(ev.Value)
	default:
		o.events.WithLabelValues(ev.Name).Inc()
	}
}
