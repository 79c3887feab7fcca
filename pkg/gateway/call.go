package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/duplex"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/errorsx"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/fallback"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/logging"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/metrics"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/session"
)

// errCallEnded signals a clean caller-initiated hangup.
var errCallEnded = errors.New("call ended by caller")

const defaultGreeting = "Hello! I'm ready to answer questions about your document. What would you like to know?"

// call is the per-connection state: one caller transport, one session,
// and whichever engine currently serves it. The reader goroutine and
// the engine relay goroutine run as an errgroup pair; teardown is
// unconditional and idempotent on every exit path.
type call struct {
	gw     *Gateway
	conn   *websocket.Conn
	logger *slog.Logger

	userID     string
	documentID string

	sendMu     sync.Mutex
	sendCh     chan []byte
	sendClosed bool
	writeDone  chan struct{}

	mu     sync.Mutex
	sess   *session.CallSession
	bridge *duplex.Bridge
	engine *fallback.Engine

	eg  *errgroup.Group
	ctx context.Context

	endOnce sync.Once
}

func newCall(g *Gateway, conn *websocket.Conn, userID, documentID string) *call {
	return &call{
		gw:         g,
		conn:       conn,
		logger:     logging.NewComponentLogger(g.logger, "call"),
		userID:     userID,
		documentID: documentID,
		sendCh:     make(chan []byte, 512),
		writeDone:  make(chan struct{}),
	}
}

func (c *call) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	go c.writePump()

	eg, ctx := errgroup.WithContext(ctx)
	c.eg = eg
	c.ctx = ctx

	// A cancelled group unblocks the reader by closing the transport.
	go func() {
		<-ctx.Done()
		_ = c.conn.Close()
	}()

	eg.Go(func() error { return c.readLoop(ctx) })
	err := eg.Wait()
	if err != nil && !errors.Is(err, errCallEnded) {
		c.logger.Info("call_loop_exited",
			slog.String("user_id", c.userID),
			slog.String("error", err.Error()))
	}
	c.teardown()
}

func (c *call) readLoop(ctx context.Context) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Info("caller_disconnected", slog.String("user_id", c.userID))
			return nil
		}
		msg, err := decodeClientMessage(data)
		if err != nil {
			c.send(errorFrame{Type: "error", Message: "Invalid JSON format", Code: string(errorsx.ReasonInvalidJSON)})
			continue
		}

		switch m := msg.(type) {
		case pingMsg:
			c.send(pongFrame{Type: "pong"})
		case startCallMsg:
			c.startCall(ctx)
		case audioChunkMsg:
			c.handleAudioChunk(m.Data)
		case endSpeechMsg:
			c.handleEndSpeech(ctx)
		case interruptMsg:
			c.handleInterrupt()
		case muteMsg:
			c.setMuted(true)
		case unmuteMsg:
			c.setMuted(false)
		case endCallMsg:
			return errCallEnded
		case unknownMsg:
			c.send(errorFrame{
				Type:    "error",
				Message: fmt.Sprintf("Unknown message type: %s", m.Type),
				Code:    string(errorsx.ReasonUnknownMessageType),
			})
		}
	}
}

func (c *call) startCall(ctx context.Context) {
	c.mu.Lock()
	started := c.sess != nil
	c.mu.Unlock()
	if started {
		c.send(errorFrame{Type: "error", Message: "Call already started.", Code: string(errorsx.ReasonValidation)})
		return
	}

	sess, err := c.gw.manager.CreateSession(ctx, c.userID, c.documentID, session.ModeDuplex)
	if err != nil {
		c.sendStartError(err)
		return
	}
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	bridge, err := duplex.Dial(ctx, c.gw.duplexCfg, sess.ID, c.documentID, c.documentContext(ctx), c.gw.invoker, c.gw.obs)
	if err != nil {
		c.logger.Warn("duplex_channel_unavailable",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()))
		if !c.activateFallback(ctx, "Voice channel unavailable, using turn-based fallback") {
			c.send(errorFrame{
				Type:    "error",
				Message: "Failed to start call: " + err.Error(),
				Code:    string(errorsx.ReasonCallStartFailed),
			})
			return
		}
	} else {
		c.mu.Lock()
		c.bridge = bridge
		c.mu.Unlock()
		sess.SetExternalChannelID(bridge.ChannelID())
		c.eg.Go(func() error { return c.duplexRelay(c.ctx, bridge) })
	}

	c.gw.manager.ActivateSession(ctx, sess.ID)
	c.send(callStartedFrame{
		Type:      "call_started",
		SessionID: sess.ID,
		Greeting:  c.greeting(ctx),
		VoiceMode: string(sess.VoiceMode()),
	})
	c.logger.Info("voice_call_started",
		slog.String("session_id", sess.ID),
		slog.String("voice_mode", string(sess.VoiceMode())))
}

func (c *call) sendStartError(err error) {
	switch errorsx.Reason(err) {
	case errorsx.ReasonPermissionDenied:
		c.send(errorFrame{Type: "error", Message: err.Error(), Code: string(errorsx.ReasonPermissionDenied)})
	case errorsx.ReasonValidation, errorsx.ReasonNotFound:
		c.send(errorFrame{Type: "error", Message: err.Error(), Code: string(errorsx.ReasonValidation)})
	default:
		c.send(errorFrame{Type: "error", Message: "Failed to start call: " + err.Error(), Code: string(errorsx.ReasonCallStartFailed)})
	}
}

// activateFallback switches the session to turn-based mode and starts
// the fallback engine. Returns false when the switch was already used.
func (c *call) activateFallback(ctx context.Context, reason string) bool {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return false
	}
	if err := c.gw.manager.SwitchToFallback(ctx, sess.ID); err != nil {
		c.logger.Warn("fallback_switch_rejected",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()))
		return false
	}

	engine := fallback.NewEngine(sess, c.gw.fbp.Transcriber, c.gw.fbp.Answerer, c.gw.fbp.Synthesizer, c.gw.obs)
	c.mu.Lock()
	c.engine = engine
	c.mu.Unlock()
	c.eg.Go(func() error { return c.fallbackRelay(c.ctx, engine) })

	c.send(fallbackActivatedFrame{Type: "fallback_activated", Reason: reason})
	return true
}

func (c *call) handleAudioChunk(dataB64 string) {
	c.mu.Lock()
	sess, bridge, engine := c.sess, c.bridge, c.engine
	c.mu.Unlock()

	if sess == nil {
		c.send(errorFrame{
			Type:    "error",
			Message: "Call not started. Send 'start_call' first.",
			Code:    string(errorsx.ReasonCallNotStarted),
		})
		return
	}
	if dataB64 == "" {
		return
	}
	audio, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		c.logger.Warn("audio_chunk_undecodable", slog.String("session_id", sess.ID))
		return
	}
	// Oversized chunks are dropped without an error frame.
	if !c.gw.manager.CheckRateLimit(sess, len(audio)) {
		return
	}
	c.gw.obs.RecordEvent(metrics.MetricsEvent{
		Name:  "audio_in",
		Time:  time.Now(),
		Value: float64(len(audio)),
	})

	switch {
	case bridge != nil:
		if err := bridge.SendAudio(audio); err != nil {
			c.logger.Warn("audio_forward_failed",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()))
		}
	case engine != nil:
		engine.HandleAudioChunk(audio)
	}
}

func (c *call) handleEndSpeech(ctx context.Context) {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine == nil {
		// End-of-speech is only meaningful in turn-based mode; the
		// duplex channel detects turns itself.
		return
	}
	engine.EndSpeech(ctx)
}

func (c *call) handleInterrupt() {
	c.mu.Lock()
	sess, bridge, engine := c.sess, c.bridge, c.engine
	c.mu.Unlock()

	if sess == nil {
		c.send(errorFrame{
			Type:    "error",
			Message: "Call not started. Send 'start_call' first.",
			Code:    string(errorsx.ReasonCallNotStarted),
		})
		return
	}

	switch {
	case bridge != nil:
		if err := bridge.Interrupt(); err != nil {
			c.logger.Warn("interrupt_failed", slog.String("error", err.Error()))
			return
		}
		if sess != nil {
			sess.RecordInterruption()
			c.logger.Info("caller_interrupted_reply", slog.String("session_id", sess.ID))
		}
	case engine != nil:
		engine.Interrupt()
	}
}

func (c *call) setMuted(muted bool) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return
	}
	sess.SetMuted(muted)
	state := "unmuted"
	if muted {
		state = "muted"
	}
	c.send(stateChangeFrame{Type: "state_change", State: state})
}

func (c *call) duplexRelay(ctx context.Context, bridge *duplex.Bridge) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-bridge.Events():
			if !ok {
				return c.duplexGone(ctx, "voice channel closed")
			}
			switch e := ev.(type) {
			case duplex.StateEvent:
				c.applyState(e.State)
				c.send(stateChangeFrame{Type: "state_change", State: string(e.State)})
			case duplex.AudioEvent:
				c.sessionDo(func(s *session.CallSession) { s.AddBytesSent(len(e.Data)) })
				c.send(audioChunkFrame{Type: "audio_chunk", Data: base64.StdEncoding.EncodeToString(e.Data)})
			case duplex.TranscriptEvent:
				c.recordTranscript(e.Role, e.Text)
				c.send(transcriptionFrame{Type: "transcription", Role: e.Role, Text: e.Text})
			case duplex.HighlightsEvent:
				c.send(highlightsFrame{Type: "highlights", Highlights: e.Highlights})
			case duplex.ErrorEvent:
				c.send(errorFrame{Type: "error", Message: e.Message, Code: "openai_error"})
				return c.duplexGone(ctx, "voice channel error: "+e.Message)
			case duplex.ClosedEvent:
				return c.duplexGone(ctx, "voice channel closed")
			}
		}
	}
}

// duplexGone handles a mid-call duplex failure: one switch-over to the
// turn-based engine, after which a repeat failure ends the call.
func (c *call) duplexGone(ctx context.Context, reason string) error {
	c.mu.Lock()
	bridge := c.bridge
	c.bridge = nil
	sess := c.sess
	c.mu.Unlock()

	if bridge != nil {
		_ = bridge.Close()
	}
	if ctx.Err() != nil || sess == nil {
		return nil
	}
	if c.activateFallback(ctx, reason+", using turn-based fallback") {
		return nil
	}
	return errors.New(reason)
}

func (c *call) fallbackRelay(ctx context.Context, engine *fallback.Engine) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-engine.Events():
			switch e := ev.(type) {
			case fallback.StateEvent:
				c.applyState(turnToCallState(e.State))
				c.send(stateChangeFrame{Type: "state_change", State: string(e.State)})
			case fallback.TranscriptionEvent:
				c.send(transcriptionFrame{Type: "transcription", Text: e.Text})
			case fallback.TextResponseEvent:
				c.send(textResponseFrame{Type: "text_response", Text: e.Text})
			case fallback.AudioEvent:
				c.send(audioChunkFrame{Type: "audio_chunk", Data: base64.StdEncoding.EncodeToString(e.Data)})
			case fallback.AudioEndEvent:
				c.send(audioEndFrame{Type: "audio_end"})
			case fallback.ErrorEvent:
				c.send(errorFrame{Type: "error", Message: e.Message})
			}
		}
	}
}

func turnToCallState(state fallback.TurnState) session.State {
	switch state {
	case fallback.StateUserSpeaking:
		return session.StateUserSpeaking
	case fallback.StateProcessing:
		return session.StateProcessing
	case fallback.StateAiSpeaking:
		return session.StateAiSpeaking
	case fallback.StateInterrupted:
		return session.StateUserSpeaking
	default:
		return session.StateConnected
	}
}

func (c *call) applyState(state session.State) {
	c.sessionDo(func(s *session.CallSession) { s.SetState(state) })
}

func (c *call) recordTranscript(role, text string) {
	c.sessionDo(func(s *session.CallSession) {
		switch role {
		case "user":
			s.AddMessage(session.Message{Role: "user", Content: text})
			s.RecordQuestion()
		case "assistant":
			s.AddMessage(session.Message{Role: "assistant", Content: text})
		}
	})
}

func (c *call) sessionDo(f func(*session.CallSession)) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess != nil {
		f(sess)
	}
}

// documentContext gathers key passages so the reasoning channel starts
// grounded before any tool call.
func (c *call) documentContext(ctx context.Context) string {
	var parts []string
	if summary, err := c.gw.store.Summary(ctx, c.documentID); err == nil && strings.TrimSpace(summary) != "" {
		parts = append(parts, "Document summary: "+strings.TrimSpace(summary))
	}
	passages, err := c.gw.searcher.Search(ctx, c.documentID, "summary overview main points")
	if err == nil && len(passages) > 0 {
		parts = append(parts, "Key content from the document:")
		for _, p := range passages {
			parts = append(parts, fmt.Sprintf("- [Page %d] %s", p.Page, p.Text))
		}
	}
	return strings.Join(parts, "\n")
}

func (c *call) greeting(ctx context.Context) string {
	summary, err := c.gw.store.Summary(ctx, c.documentID)
	if err != nil || strings.TrimSpace(summary) == "" {
		return defaultGreeting
	}
	return fmt.Sprintf("Hello! I'm ready to answer questions about your document. Quick summary: %s", strings.TrimSpace(summary))
}

// teardown runs on every exit path: normal hangup, error, or abrupt
// disconnect. The engine connection is closed, the session ended, and
// a final call_ended frame emitted if the transport is still open.
func (c *call) teardown() {
	c.endOnce.Do(func() {
		c.mu.Lock()
		bridge, engine, sess := c.bridge, c.engine, c.sess
		c.bridge, c.engine = nil, nil
		c.mu.Unlock()

		if bridge != nil {
			_ = bridge.Close()
		}
		if engine != nil {
			engine.Close()
		}

		var duration float64
		var questions int
		if sess != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.gw.manager.EndSession(ctx, sess.ID)
			cancel()
			duration = sess.Duration().Seconds()
			questions = sess.Questions()
		}

		c.send(callEndedFrame{
			Type:            "call_ended",
			DurationSeconds: duration,
			QuestionsAsked:  questions,
		})
		c.closeSend()
		// Closing sendCh lets the pump drain the final frame; the wait
		// is bounded in case the transport has stopped accepting writes.
		select {
		case <-c.writeDone:
		case <-time.After(2 * time.Second):
		}
		_ = c.conn.Close()

		c.logger.Info("voice_call_closed",
			slog.String("user_id", c.userID),
			slog.Float64("duration_seconds", duration),
			slog.Int("questions_asked", questions))
	})
}

func (c *call) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.sendCh <- data:
	default:
		c.logger.Warn("send_buffer_full_dropping_frame", slog.String("user_id", c.userID))
	}
}

func (c *call) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.sendCh)
	}
}

func (c *call) writePump() {
	defer close(c.writeDone)
	for msg := range c.sendCh {
		_ = c.conn.WriteMessage(websocket.TextMessage, msg)
	}
}
