package session

import (
	"context"
	"time"
)

// Record is the write-only shape handed to the persistence sink.
type Record struct {
	SessionID       string
	CallerID        string
	DocumentID      string
	State           State
	VoiceMode       VoiceMode
	CreatedAt       time.Time
	EndedAt         time.Time
	DurationSeconds int
	QuestionCount   int
}

// Sink receives session lifecycle records. Implementations must not
// fail the call path: errors are logged and swallowed by the manager.
type Sink interface {
	SessionCreated(ctx context.Context, rec Record) error
	SessionUpdated(ctx context.Context, rec Record) error
	SessionEnded(ctx context.Context, rec Record) error
}

type NoopSink struct{}

func (NoopSink) SessionCreated(context.Context, Record) error { return nil }
func (NoopSink) SessionUpdated(context.Context, Record) error { return nil }
func (NoopSink) SessionEnded(context.Context, Record) error   { return nil }
