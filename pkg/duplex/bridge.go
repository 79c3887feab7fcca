package duplex

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/docstore"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/errorsx"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/logging"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/metrics"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/session"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/tools"
)

// Config selects the realtime channel endpoint and voice parameters.
type Config struct {
	URL           string
	Model         string
	APIKey        string
	Voice         string
	Temperature   float64
	MaxTokens     int
	ReplyDebounce time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = "wss://api.openai.com/v1/realtime"
	}
	if c.Model == "" {
		c.Model = "gpt-4o-realtime-preview-2024-12-17"
	}
	if c.Voice == "" {
		c.Voice = "nova"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 1024
	}
	if c.ReplyDebounce <= 0 {
		c.ReplyDebounce = 80 * time.Millisecond
	}
	return c
}

// ToolRunner executes tool requests issued by the reasoning channel.
type ToolRunner interface {
	SearchDocument(ctx context.Context, documentID, query string) string
	ExtractAll(ctx context.Context, documentID, query string) (string, []docstore.Highlight)
}

// Event is one notification from the bridge to its relay loop.
type Event interface{ bridgeEvent() }

type StateEvent struct{ State session.State }

type AudioEvent struct{ Data []byte }

type TranscriptEvent struct {
	Role string
	Text string
}

type HighlightsEvent struct{ Highlights []docstore.Highlight }

type ErrorEvent struct{ Message string }

type ClosedEvent struct{}

func (StateEvent) bridgeEvent()      {}
func (AudioEvent) bridgeEvent()      {}
func (TranscriptEvent) bridgeEvent() {}
func (HighlightsEvent) bridgeEvent() {}
func (ErrorEvent) bridgeEvent()      {}
func (ClosedEvent) bridgeEvent()     {}

const systemPromptTemplate = `You are a document-bound AI assistant having a voice conversation with a user about their uploaded document.

CRITICAL RULES - YOU MUST FOLLOW THESE:
1. You can ONLY answer questions using information from the document context provided.
2. If information is NOT in the document, you must say: "I cannot find information about that in the uploaded document."
3. NEVER use external knowledge or make up information.
4. Always cite which part of the document your answer comes from when possible.
5. If you're unsure, say so clearly.
6. While a document lookup is in progress, stay silent. Do not narrate that you are searching.

Document Context:
%s

Conversation Style:
- Speak naturally as if in a phone call
- Keep responses concise (2-3 sentences) unless asked for more detail
- Be warm and professional
- When answering, briefly mention where in the document you found the information
- If the user asks about something not in the document, politely redirect them to ask about the document content`

// Bridge owns one realtime channel connection for one call. It turns
// the channel's event stream into typed bridge events consumed by a
// single relay loop, applies barge-in cancellation, filters stale
// response fragments by id, and debounces tool-triggered replies.
type Bridge struct {
	cfg        Config
	sessionID  string
	documentID string
	invoker    ToolRunner
	obs        metrics.Observer
	logger     *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	events chan Event
	done   chan struct{}
	closed atomic.Bool

	mu               sync.Mutex
	state            session.State
	activeResponseID string
	announced        bool
	cancelledIDs     map[string]struct{}
	replyTimer       *time.Timer

	// ChannelID is the realtime channel's own session identifier,
	// populated once the channel acknowledges the connection.
	channelID atomic.Value
}

// Dial connects to the realtime channel and configures the session.
// The returned bridge is already relaying: consume Events() promptly.
func Dial(ctx context.Context, cfg Config, sessionID, documentID, documentContext string, invoker ToolRunner, obs metrics.Observer) (*Bridge, error) {
	cfg = cfg.withDefaults()
	if obs == nil {
		obs = metrics.NoopObserver{}
	}

	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	header.Set("OpenAI-Beta", "realtime=v1")

	url := cfg.URL
	if !strings.Contains(url, "model=") {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url = url + sep + "model=" + cfg.Model
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("realtime channel dial: %w", err), errorsx.ReasonChannelConnect)
	}

	b := &Bridge{
		cfg:          cfg,
		sessionID:    sessionID,
		documentID:   documentID,
		invoker:      invoker,
		obs:          obs,
		logger:       logging.NewComponentLogger(slog.Default(), "duplex_bridge"),
		conn:         conn,
		events:       make(chan Event, 256),
		done:         make(chan struct{}),
		state:        session.StateConnecting,
		cancelledIDs: make(map[string]struct{}),
	}

	if err := b.configureSession(documentContext); err != nil {
		_ = conn.Close()
		return nil, errorsx.Wrap(fmt.Errorf("realtime channel configure: %w", err), errorsx.ReasonChannelConnect)
	}

	b.setState(session.StateConnected)
	go b.readLoop()
	b.logger.Info("duplex_channel_connected", slog.String("session_id", sessionID))
	return b, nil
}

// Events is the single consumption point for bridge output. The
// channel is closed after the connection ends.
func (b *Bridge) Events() <-chan Event { return b.events }

// ChannelID returns the realtime channel's session id, empty until the
// channel reports it.
func (b *Bridge) ChannelID() string {
	if v, ok := b.channelID.Load().(string); ok {
		return v
	}
	return ""
}

func (b *Bridge) configureSession(documentContext string) error {
	searchTool := toolDefinition{
		Type:        "function",
		Name:        tools.ToolSearchDocument,
		Description: "Search the uploaded document for specific information. Use this when you need to find something in the document that may not be in your initial context.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query to find relevant information in the document",
				},
			},
			"required": []string{"query"},
		},
	}
	extractTool := toolDefinition{
		Type:        "function",
		Name:        tools.ToolExtractAll,
		Description: "Extract ALL instances of a specific type of information from the entire document. Use this when the user asks to 'list all', 'show every', 'give me all', etc. This performs exhaustive extraction, not just similarity search.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"extraction_type": map[string]any{
					"type":        "string",
					"description": "What to extract (e.g., 'skills', 'projects', 'certifications', 'experience')",
				},
				"full_query": map[string]any{
					"type":        "string",
					"description": "The user's full original query for context",
				},
			},
			"required": []string{"extraction_type", "full_query"},
		},
	}

	cmd := sessionUpdateCmd{
		Type: "session.update",
		Session: sessionPayload{
			Modalities:              []string{"text", "audio"},
			Instructions:            fmt.Sprintf(systemPromptTemplate, documentContext),
			Voice:                   b.cfg.Voice,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: transcriptionCfg{Model: "whisper-1"},
			TurnDetection: turnDetectionCfg{
				Type:              "server_vad",
				Threshold:         0.5,
				PrefixPaddingMS:   300,
				SilenceDurationMS: 500,
			},
			Tools:                   []toolDefinition{searchTool, extractTool},
			ToolChoice:              "auto",
			Temperature:             b.cfg.Temperature,
			MaxResponseOutputTokens: b.cfg.MaxTokens,
		},
	}
	return b.writeJSON(cmd)
}

// SendAudio forwards one caller chunk to the channel's input buffer.
func (b *Bridge) SendAudio(data []byte) error {
	if b.closed.Load() {
		return nil
	}
	return b.writeJSON(audioAppendCmd{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(data),
	})
}

// Interrupt cancels the in-flight reply and clears the input buffer.
// Subsequent fragments carrying the cancelled response id are dropped.
func (b *Bridge) Interrupt() error {
	if b.closed.Load() {
		return nil
	}
	b.invalidateActive()
	if err := b.writeJSON(typeOnlyCmd{Type: "response.cancel"}); err != nil {
		return err
	}
	return b.writeJSON(typeOnlyCmd{Type: "input_audio_buffer.clear"})
}

// Close tears the channel down. Safe to call more than once.
func (b *Bridge) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.done)
	b.mu.Lock()
	if b.replyTimer != nil {
		b.replyTimer.Stop()
		b.replyTimer = nil
	}
	b.mu.Unlock()
	return b.conn.Close()
}

func (b *Bridge) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errorsx.Wrap(fmt.Errorf("channel write: %w", err), errorsx.ReasonTransportSend)
	}
	return nil
}

func (b *Bridge) readLoop() {
	defer close(b.events)
	for {
		_, msg, err := b.conn.ReadMessage()
		if err != nil {
			if !b.closed.Load() {
				b.logger.Info("duplex_channel_closed",
					slog.String("session_id", b.sessionID),
					slog.String("error", err.Error()))
			}
			b.setState(session.StateEnded)
			b.emit(ClosedEvent{})
			return
		}
		ev, err := decodeServerEvent(msg)
		if err != nil {
			b.logger.Warn("channel_event_undecodable", slog.String("session_id", b.sessionID))
			continue
		}
		b.handleEvent(ev)
	}
}

func (b *Bridge) handleEvent(ev serverEvent) {
	switch e := ev.(type) {
	case sessionCreatedEvent:
		b.channelID.Store(e.ChannelID)
		b.logger.Info("channel_session_created",
			slog.String("session_id", b.sessionID),
			slog.String("channel_id", e.ChannelID))

	case sessionUpdatedEvent:
		b.logger.Debug("channel_session_updated", slog.String("session_id", b.sessionID))

	case speechStartedEvent:
		if b.currentState() == session.StateAiSpeaking {
			b.bargeIn()
		}
		b.setState(session.StateUserSpeaking)
		b.emit(StateEvent{State: session.StateUserSpeaking})

	case speechStoppedEvent:
		b.setState(session.StateProcessing)
		b.emit(StateEvent{State: session.StateProcessing})

	case userTranscriptEvent:
		if e.Transcript != "" {
			b.emit(TranscriptEvent{Role: "user", Text: e.Transcript})
		}

	case responseCreatedEvent:
		b.mu.Lock()
		b.activeResponseID = e.ResponseID
		b.announced = false
		b.mu.Unlock()

	case audioDeltaEvent:
		if b.stale(e.ResponseID) {
			return
		}
		if b.announceOnce() {
			b.setState(session.StateAiSpeaking)
			b.emit(StateEvent{State: session.StateAiSpeaking})
		}
		if e.Delta == "" {
			return
		}
		audio, err := base64.StdEncoding.DecodeString(e.Delta)
		if err != nil {
			b.logger.Warn("audio_delta_undecodable", slog.String("session_id", b.sessionID))
			return
		}
		b.record("audio_out", float64(len(audio)), nil)
		b.emit(AudioEvent{Data: audio})

	case assistantTranscriptDeltaEvent:
		if b.stale(e.ResponseID) || e.Delta == "" {
			return
		}
		b.emit(TranscriptEvent{Role: "assistant_delta", Text: e.Delta})

	case assistantTranscriptDoneEvent:
		if b.stale(e.ResponseID) || e.Transcript == "" {
			return
		}
		b.emit(TranscriptEvent{Role: "assistant", Text: e.Transcript})

	case responseDoneEvent:
		if e.Status == "cancelled" || b.wasCancelled(e.ResponseID) || b.stale(e.ResponseID) {
			return
		}
		b.setState(session.StateConnected)
		b.emit(StateEvent{State: session.StateConnected})

	case functionCallDoneEvent:
		b.handleFunctionCall(e)

	case channelErrorEvent:
		b.logger.Error("channel_error",
			slog.String("session_id", b.sessionID),
			slog.String("message", e.Message))
		b.setState(session.StateError)
		b.emit(ErrorEvent{Message: e.Message})

	case rateLimitsEvent:

	case unknownEvent:
		b.logger.Debug("channel_event_ignored",
			slog.String("session_id", b.sessionID),
			slog.String("type", e.Type))
	}
}

// bargeIn cancels the in-flight reply when the caller starts speaking
// over it. The active response id is invalidated first so any already
// queued fragments for it are dropped before reaching the caller.
func (b *Bridge) bargeIn() {
	b.invalidateActive()
	if err := b.writeJSON(typeOnlyCmd{Type: "response.cancel"}); err != nil {
		b.logger.Warn("barge_in_cancel_failed",
			slog.String("session_id", b.sessionID),
			slog.String("error", err.Error()))
	}
	if err := b.writeJSON(typeOnlyCmd{Type: "input_audio_buffer.clear"}); err != nil {
		b.logger.Warn("barge_in_clear_failed",
			slog.String("session_id", b.sessionID),
			slog.String("error", err.Error()))
	}
	b.record("barge_in", 1, nil)
	b.logger.Info("barge_in", slog.String("session_id", b.sessionID))
}

func (b *Bridge) invalidateActive() {
	b.mu.Lock()
	if b.activeResponseID != "" {
		b.cancelledIDs[b.activeResponseID] = struct{}{}
	}
	b.activeResponseID = ""
	b.announced = false
	b.mu.Unlock()
}

// stale reports whether a fragment belongs to anything other than the
// currently tracked response.
func (b *Bridge) stale(responseID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if responseID == "" {
		return b.activeResponseID != ""
	}
	return responseID != b.activeResponseID
}

func (b *Bridge) wasCancelled(responseID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.cancelledIDs[responseID]
	return ok
}

// announceOnce flips the per-response announced flag, returning true
// only for the first audio fragment of the active response.
func (b *Bridge) announceOnce() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.announced {
		return false
	}
	b.announced = true
	return true
}

func (b *Bridge) currentState() session.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) setState(state session.State) {
	b.mu.Lock()
	b.state = state
	b.mu.Unlock()
}

func (b *Bridge) handleFunctionCall(e functionCallDoneEvent) {
	ctx := context.Background()
	var output string

	switch e.Name {
	case tools.ToolSearchDocument:
		var args struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal([]byte(e.Arguments), &args); err != nil || args.Query == "" {
			b.logger.Warn("tool_arguments_invalid",
				slog.String("session_id", b.sessionID),
				slog.String("tool", e.Name))
			return
		}
		output = b.invoker.SearchDocument(ctx, b.documentID, args.Query)

	case tools.ToolExtractAll:
		var args struct {
			ExtractionType string `json:"extraction_type"`
			FullQuery      string `json:"full_query"`
		}
		if err := json.Unmarshal([]byte(e.Arguments), &args); err != nil || args.ExtractionType == "" {
			b.logger.Warn("tool_arguments_invalid",
				slog.String("session_id", b.sessionID),
				slog.String("tool", e.Name))
			return
		}
		query := args.FullQuery
		if query == "" {
			query = args.ExtractionType
		}
		var highlights []docstore.Highlight
		output, highlights = b.invoker.ExtractAll(ctx, b.documentID, query)
		if len(highlights) > 0 {
			b.emit(HighlightsEvent{Highlights: highlights})
		}

	default:
		b.logger.Warn("unknown_tool_requested",
			slog.String("session_id", b.sessionID),
			slog.String("tool", e.Name))
		return
	}

	if err := b.writeJSON(itemCreateCmd{
		Type: "conversation.item.create",
		Item: functionItem{Type: "function_call_output", CallID: e.CallID, Output: output},
	}); err != nil {
		b.logger.Error("tool_output_send_failed",
			slog.String("session_id", b.sessionID),
			slog.String("error", err.Error()))
		return
	}
	b.scheduleReply()
}

// scheduleReply arms the single debounce slot. Re-arming cancels any
// pending timer, so a burst of tool completions within the window
// produces exactly one reply-generation request.
func (b *Bridge) scheduleReply() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.replyTimer != nil {
		b.replyTimer.Stop()
	}
	b.replyTimer = time.AfterFunc(b.cfg.ReplyDebounce, func() {
		if b.closed.Load() {
			return
		}
		if err := b.writeJSON(typeOnlyCmd{Type: "response.create"}); err != nil {
			b.logger.Error("reply_request_failed",
				slog.String("session_id", b.sessionID),
				slog.String("error", err.Error()))
			return
		}
		b.record("reply_requested", 1, nil)
	})
}

func (b *Bridge) emit(ev Event) {
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

func (b *Bridge) record(name string, value float64, tags map[string]string) {
	b.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags})
}
