package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/docstore"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/errorsx"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/logging"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/metrics"
)

// Limits carries the per-call lifecycle ceilings.
type Limits struct {
	IdleTimeout        time.Duration
	MaxDuration        time.Duration
	MaxConcurrentCalls int
	MaxChunkBytes      int
	SweepInterval      time.Duration
}

func (l *Limits) applyDefaults() {
	if l.IdleTimeout <= 0 {
		l.IdleTimeout = 5 * time.Minute
	}
	if l.MaxDuration <= 0 {
		l.MaxDuration = 60 * time.Minute
	}
	if l.MaxConcurrentCalls <= 0 {
		l.MaxConcurrentCalls = 1
	}
	if l.MaxChunkBytes <= 0 {
		l.MaxChunkBytes = 48000
	}
	if l.SweepInterval <= 0 {
		l.SweepInterval = 60 * time.Second
	}
}

// Stats is a point-in-time view of the registry, served at /ws/stats.
type Stats struct {
	TotalSessions     int            `json:"total_sessions"`
	ActiveSessions    int            `json:"active_sessions"`
	UsersWithSessions int            `json:"users_with_sessions"`
	SessionsByMode    map[string]int `json:"sessions_by_mode"`
}

// Manager owns the session registry and lifecycle rules: ownership and
// concurrency checks on create, rate limiting, the expiry sweep, the
// single fallback switch-over, and persistence calls.
type Manager struct {
	store  docstore.Store
	oracle docstore.OwnershipOracle
	sink   Sink
	limits Limits
	obs    metrics.Observer
	logger *slog.Logger

	mu             sync.Mutex
	sessions       map[string]*CallSession
	callerSessions map[string][]string
}

func NewManager(store docstore.Store, oracle docstore.OwnershipOracle, sink Sink, limits Limits) *Manager {
	limits.applyDefaults()
	if sink == nil {
		sink = NoopSink{}
	}
	return &Manager{
		store:          store,
		oracle:         oracle,
		sink:           sink,
		limits:         limits,
		obs:            metrics.NoopObserver{},
		logger:         logging.NewComponentLogger(slog.Default(), "session_manager"),
		sessions:       make(map[string]*CallSession),
		callerSessions: make(map[string][]string),
	}
}

func (m *Manager) SetObserver(obs metrics.Observer) {
	if obs != nil {
		m.obs = obs
	}
}

func (m *Manager) Limits() Limits {
	return m.limits
}

// CreateSession registers a new call after the concurrency, existence,
// and ownership checks pass. The ownership check fails open: if the
// oracle is unreachable the call is allowed and a warning logged.
func (m *Manager) CreateSession(ctx context.Context, callerID, documentID string, mode VoiceMode) (*CallSession, error) {
	m.mu.Lock()
	held := len(m.callerSessions[callerID])
	m.mu.Unlock()
	if held >= m.limits.MaxConcurrentCalls {
		return nil, errorsx.New(
			fmt.Sprintf("maximum concurrent calls (%d) reached, end your current call first", m.limits.MaxConcurrentCalls),
			errorsx.ReasonValidation,
		)
	}

	exists, err := m.store.Exists(ctx, documentID)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("document lookup: %w", err), errorsx.ReasonNotFound)
	}
	if !exists {
		return nil, errorsx.New(fmt.Sprintf("document not found: %s", documentID), errorsx.ReasonNotFound)
	}

	if !m.verifyOwnership(ctx, callerID, documentID) {
		return nil, errorsx.New(
			"you don't have permission to access this document, only the document owner can start a voice call",
			errorsx.ReasonPermissionDenied,
		)
	}

	now := time.Now()
	sess := newCallSession(uuid.NewString(), callerID, documentID, mode, now)

	m.mu.Lock()
	// Re-check under the lock so racing start_call frames cannot both
	// slip past the ceiling.
	if len(m.callerSessions[callerID]) >= m.limits.MaxConcurrentCalls {
		m.mu.Unlock()
		return nil, errorsx.New(
			fmt.Sprintf("maximum concurrent calls (%d) reached, end your current call first", m.limits.MaxConcurrentCalls),
			errorsx.ReasonValidation,
		)
	}
	m.sessions[sess.ID] = sess
	m.callerSessions[callerID] = append(m.callerSessions[callerID], sess.ID)
	m.mu.Unlock()

	if err := m.sink.SessionCreated(ctx, m.record(sess, time.Time{}, 0)); err != nil {
		m.logger.Warn("persist_session_create_failed",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()))
	}

	m.obs.RecordEvent(metrics.MetricsEvent{
		Name: "session_created",
		Time: now,
		Tags: map[string]string{"voice_mode": string(mode)},
	})
	m.logger.Info("call_session_created",
		slog.String("session_id", sess.ID),
		slog.String("caller_id", callerID),
		slog.String("document_id", documentID),
		slog.String("voice_mode", string(mode)))

	return sess, nil
}

func (m *Manager) verifyOwnership(ctx context.Context, callerID, documentID string) bool {
	owner, err := m.oracle.Owner(ctx, documentID)
	if err != nil {
		if errors.Is(err, docstore.ErrOwnerUnknown) {
			m.logger.Warn("document_owner_unknown_allowing_access",
				slog.String("document_id", documentID))
			return true
		}
		m.logger.Warn("ownership_check_unavailable_allowing_access",
			slog.String("document_id", documentID),
			slog.String("error", err.Error()))
		return true
	}
	return owner == callerID
}

func (m *Manager) Get(sessionID string) (*CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

func (m *Manager) CallerSessions(callerID string) []*CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.callerSessions[callerID]
	out := make([]*CallSession, 0, len(ids))
	for _, id := range ids {
		if sess, ok := m.sessions[id]; ok {
			out = append(out, sess)
		}
	}
	return out
}

// ActivateSession marks the session connected once its engine is up.
func (m *Manager) ActivateSession(ctx context.Context, sessionID string) {
	sess, ok := m.Get(sessionID)
	if !ok {
		return
	}
	sess.SetState(StateConnected)
	if err := m.sink.SessionUpdated(ctx, m.record(sess, time.Time{}, 0)); err != nil {
		m.logger.Warn("persist_session_update_failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
	m.obs.RecordEvent(metrics.MetricsEvent{
		Name: "session_activated",
		Time: time.Now(),
		Tags: map[string]string{"voice_mode": string(sess.VoiceMode())},
	})
	m.logger.Info("call_session_active", slog.String("session_id", sessionID))
}

// EndSession removes the session from the registry and records its
// final shape. Ending an unknown or already-ended session is a no-op.
func (m *Manager) EndSession(ctx context.Context, sessionID string) (*CallSession, bool) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	delete(m.sessions, sessionID)
	ids := m.callerSessions[sess.CallerID]
	kept := ids[:0]
	for _, id := range ids {
		if id != sessionID {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		delete(m.callerSessions, sess.CallerID)
	} else {
		m.callerSessions[sess.CallerID] = kept
	}
	m.mu.Unlock()

	sess.SetState(StateEnded)
	endedAt := time.Now()
	duration := int(sess.Duration().Seconds())
	if duration < 0 {
		duration = 0
	}
	if err := m.sink.SessionEnded(ctx, m.record(sess, endedAt, duration)); err != nil {
		m.logger.Warn("persist_session_end_failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
	m.obs.RecordEvent(metrics.MetricsEvent{
		Name:  "session_ended",
		Time:  endedAt,
		Value: float64(duration),
		Tags:  map[string]string{"voice_mode": string(sess.VoiceMode())},
	})
	m.logger.Info("call_session_ended",
		slog.String("session_id", sessionID),
		slog.String("caller_id", sess.CallerID),
		slog.Int("duration_seconds", duration),
		slog.Int("questions_asked", sess.Questions()))
	return sess, true
}

// CheckRateLimit accepts or rejects one inbound audio chunk. Accepted
// chunks count toward bytesReceived; rejected chunks are dropped by the
// caller without an error frame.
func (m *Manager) CheckRateLimit(sess *CallSession, chunkBytes int) bool {
	if chunkBytes > m.limits.MaxChunkBytes {
		m.logger.Warn("audio_chunk_too_large",
			slog.String("session_id", sess.ID),
			slog.String("reason", string(errorsx.ReasonRateLimit)),
			slog.Int("bytes", chunkBytes),
			slog.Int("max", m.limits.MaxChunkBytes))
		m.obs.RecordEvent(metrics.MetricsEvent{
			Name:  "chunk_dropped",
			Time:  time.Now(),
			Value: float64(chunkBytes),
			Tags:  map[string]string{"reason": string(errorsx.ReasonRateLimit)},
		})
		return false
	}
	sess.AddBytesReceived(chunkBytes)
	return true
}

// ErrFallbackExhausted reports a second duplex failure on a call that
// already switched to the turn-based engine.
var ErrFallbackExhausted = errors.New("fallback already attempted for this call")

// SwitchToFallback converts the call to turn-based mode. Each call gets
// at most one switch; a repeat attempt returns ErrFallbackExhausted.
func (m *Manager) SwitchToFallback(ctx context.Context, sessionID string) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return errorsx.New(fmt.Sprintf("session not found: %s", sessionID), errorsx.ReasonNotFound)
	}
	sess.mu.Lock()
	if sess.fallbackUsed {
		sess.mu.Unlock()
		return ErrFallbackExhausted
	}
	previous := sess.voiceMode
	sess.voiceMode = ModeFallback
	sess.fallbackUsed = true
	sess.externalChannelID = ""
	sess.mu.Unlock()

	if err := m.sink.SessionUpdated(ctx, m.record(sess, time.Time{}, 0)); err != nil {
		m.logger.Warn("persist_session_update_failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
	m.obs.RecordEvent(metrics.MetricsEvent{Name: "fallback_activated", Time: time.Now()})
	m.logger.Info("switched_to_fallback",
		slog.String("session_id", sessionID),
		slog.String("previous_mode", string(previous)))
	return nil
}

// CleanupExpired ends every session past its idle timeout or duration
// cap and returns how many were removed.
func (m *Manager) CleanupExpired(ctx context.Context) int {
	m.mu.Lock()
	expired := make([]string, 0)
	for id, sess := range m.sessions {
		if sess.Expired(m.limits.IdleTimeout, m.limits.MaxDuration) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if _, ok := m.EndSession(ctx, id); ok {
			m.logger.Info("expired_session_cleaned", slog.String("session_id", id))
		}
	}
	return len(expired)
}

// Run drives the periodic expiry sweep until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.limits.SweepInterval)
	defer ticker.Stop()
	m.logger.Info("session_sweep_started",
		slog.Duration("interval", m.limits.SweepInterval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := m.CleanupExpired(ctx); n > 0 {
				m.logger.Info("expired_sessions_cleaned", slog.Int("count", n))
			}
		}
	}
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		TotalSessions:     len(m.sessions),
		UsersWithSessions: len(m.callerSessions),
		SessionsByMode: map[string]int{
			string(ModeDuplex):   0,
			string(ModeFallback): 0,
		},
	}
	for _, sess := range m.sessions {
		state := sess.State()
		if state != StateEnded && state != StateError && state != StateConnecting {
			stats.ActiveSessions++
		}
		stats.SessionsByMode[string(sess.VoiceMode())]++
	}
	return stats
}

func (m *Manager) record(sess *CallSession, endedAt time.Time, durationSeconds int) Record {
	return Record{
		SessionID:       sess.ID,
		CallerID:        sess.CallerID,
		DocumentID:      sess.DocumentID,
		State:           sess.State(),
		VoiceMode:       sess.VoiceMode(),
		CreatedAt:       sess.CreatedAt(),
		EndedAt:         endedAt,
		DurationSeconds: durationSeconds,
		QuestionCount:   sess.Questions(),
	}
}
