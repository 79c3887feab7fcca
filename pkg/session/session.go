package session

import (
	"sync"
	"time"
)

// State is the phase of a live call.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateUserSpeaking State = "user_speaking"
	StateProcessing   State = "processing"
	StateAiSpeaking   State = "ai_speaking"
	StateEnded        State = "ended"
	StateError        State = "error"
)

// VoiceMode selects which engine serves the call.
type VoiceMode string

const (
	// ModeDuplex streams through the bidirectional realtime channel.
	ModeDuplex VoiceMode = "duplex"
	// ModeFallback runs the turn-based transcribe/answer/synthesize loop.
	ModeFallback VoiceMode = "fallback"
)

// historyLimit bounds conversation memory per session.
const historyLimit = 20

// Message is one entry in the conversation history.
type Message struct {
	Role            string
	Content         string
	Timestamp       time.Time
	AudioDurationMS int
	Sources         []string
}

// CallSession binds a caller, a document, and the conversation state of
// one voice call. Fields are guarded by the embedded mutex: the serving
// engine and the expiry sweep touch sessions concurrently.
type CallSession struct {
	ID         string
	CallerID   string
	DocumentID string

	mu           sync.Mutex
	state        State
	voiceMode    VoiceMode
	createdAt    time.Time
	lastActivity time.Time

	history []Message

	bytesReceived int64
	bytesSent     int64
	interruptions int
	questions     int

	muted        bool
	fallbackUsed bool

	// ExternalChannelID is the opaque handle of the duplex connection,
	// empty for fallback-mode calls.
	externalChannelID string
}

// New builds a session in the Connecting state. Most callers go
// through Manager.CreateSession, which also registers it.
func New(id, callerID, documentID string, mode VoiceMode) *CallSession {
	return newCallSession(id, callerID, documentID, mode, time.Now())
}

func newCallSession(id, callerID, documentID string, mode VoiceMode, now time.Time) *CallSession {
	return &CallSession{
		ID:           id,
		CallerID:     callerID,
		DocumentID:   documentID,
		state:        StateConnecting,
		voiceMode:    mode,
		createdAt:    now,
		lastActivity: now,
	}
}

func (s *CallSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CallSession) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.touchLocked(time.Now())
}

func (s *CallSession) VoiceMode() VoiceMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voiceMode
}

func (s *CallSession) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

func (s *CallSession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Touch advances the activity timestamp. It never moves backwards.
func (s *CallSession) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked(time.Now())
}

func (s *CallSession) touchLocked(now time.Time) {
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
}

// AddMessage appends to conversation history, dropping the oldest entry
// once the cap is reached.
func (s *CallSession) AddMessage(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.history = append(s.history, msg)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.touchLocked(time.Now())
}

// RecentHistory returns up to limit of the latest messages, oldest first.
func (s *CallSession) RecentHistory(limit int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]Message, limit)
	copy(out, s.history[len(s.history)-limit:])
	return out
}

func (s *CallSession) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

func (s *CallSession) AddBytesReceived(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesReceived += int64(n)
	s.touchLocked(time.Now())
}

func (s *CallSession) AddBytesSent(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesSent += int64(n)
}

func (s *CallSession) BytesReceived() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesReceived
}

func (s *CallSession) BytesSent() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesSent
}

func (s *CallSession) RecordInterruption() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptions++
	s.touchLocked(time.Now())
}

func (s *CallSession) Interruptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interruptions
}

func (s *CallSession) RecordQuestion() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.questions++
	s.touchLocked(time.Now())
}

func (s *CallSession) Questions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.questions
}

func (s *CallSession) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
	s.touchLocked(time.Now())
}

func (s *CallSession) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *CallSession) SetExternalChannelID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.externalChannelID = id
}

func (s *CallSession) ExternalChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.externalChannelID
}

// Duration reports wall-clock time since session creation.
func (s *CallSession) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.createdAt)
}

// Expired reports whether the session sat idle past the timeout or ran
// past the hard duration cap.
func (s *CallSession) Expired(idleTimeout, maxDuration time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if now.Sub(s.lastActivity) > idleTimeout {
		return true
	}
	return now.Sub(s.createdAt) > maxDuration
}
