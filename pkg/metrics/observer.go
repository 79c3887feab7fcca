package metrics

import "time"

// MetricsEvent is a single observation emitted by the call engine.
// Well-known names: session_created, session_activated, session_ended,
// barge_in, fallback_activated, reply_requested, tool_invoked,
// chunk_dropped, audio_in, audio_out.
type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
