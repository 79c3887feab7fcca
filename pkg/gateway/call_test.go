package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/docstore"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/duplex"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/session"
)

type fakeStore struct {
	exists  bool
	summary string
}

func (f *fakeStore) Exists(ctx context.Context, documentID string) (bool, error) {
	return f.exists, nil
}

func (f *fakeStore) Summary(ctx context.Context, documentID string) (string, error) {
	return f.summary, nil
}

type fakeSearcher struct{}

func (fakeSearcher) Search(ctx context.Context, documentID, query string) ([]docstore.Passage, error) {
	return []docstore.Passage{{Text: "invoice total is 42", Page: 1}}, nil
}

type fakeOracle struct{ owner string }

func (f *fakeOracle) Owner(ctx context.Context, documentID string) (string, error) {
	return f.owner, nil
}

type stubRunner struct{}

func (stubRunner) SearchDocument(ctx context.Context, documentID, query string) string {
	return "[Page 1]: invoice total is 42"
}

func (stubRunner) ExtractAll(ctx context.Context, documentID, query string) (string, []docstore.Highlight) {
	return "Found 1 matching items in the document.", nil
}

type scriptTranscriber struct{ text string }

func (s scriptTranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if s.text == "" {
		return "", errors.New("no speech recognized")
	}
	return s.text, nil
}

type scriptAnswerer struct{ answer string }

func (s scriptAnswerer) Answer(ctx context.Context, documentID, question string, history []session.Message) (string, error) {
	return s.answer, nil
}

type scriptSynthesizer struct{ chunks [][]byte }

func (s scriptSynthesizer) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	out := make(chan []byte, len(s.chunks))
	for _, c := range s.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

// realtimeControl accepts the duplex channel connection, discards what
// the bridge sends, and lets a test inject events or drop the link.
type realtimeControl struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conn  *websocket.Conn
	ready chan struct{}
}

func newRealtimeControl() *realtimeControl {
	return &realtimeControl{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		ready:    make(chan struct{}),
	}
}

func (rc *realtimeControl) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := rc.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	rc.mu.Lock()
	rc.conn = conn
	rc.mu.Unlock()
	close(rc.ready)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (rc *realtimeControl) send(t *testing.T, ev map[string]any) {
	t.Helper()
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()
	require.NoError(t, conn.WriteJSON(ev))
}

func (rc *realtimeControl) drop(t *testing.T) {
	t.Helper()
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()
	require.NoError(t, conn.Close())
}

func (rc *realtimeControl) waitConnected(t *testing.T) {
	t.Helper()
	select {
	case <-rc.ready:
	case <-time.After(3 * time.Second):
		t.Fatal("bridge never connected to the realtime stub")
	}
}

// realtimeStub accepts the duplex channel connection and discards
// whatever the bridge sends, which is enough for call setup.
func realtimeStub(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newRealtimeControl())
	t.Cleanup(srv.Close)
	return srv
}

type gatewayOpts struct {
	duplexURL string
	owner     string
	summary   string
	providers FallbackProviders
}

func startTestGateway(t *testing.T, opts gatewayOpts) *httptest.Server {
	t.Helper()
	if opts.owner == "" {
		opts.owner = "user-1"
	}
	if opts.providers.Transcriber == nil {
		opts.providers = FallbackProviders{
			Transcriber: scriptTranscriber{text: "what is the total"},
			Answerer:    scriptAnswerer{answer: "The total is 42."},
			Synthesizer: scriptSynthesizer{chunks: [][]byte{[]byte("aa"), []byte("bb")}},
		}
	}
	store := &fakeStore{exists: true, summary: opts.summary}
	manager := session.NewManager(store, &fakeOracle{owner: opts.owner}, nil, session.Limits{MaxConcurrentCalls: 2})
	g := New(Config{AllowAnyOrigin: true}, manager, store, fakeSearcher{}, stubRunner{},
		duplex.Config{URL: opts.duplexURL, ReplyDebounce: 5 * time.Millisecond}, opts.providers)

	srv := httptest.NewServer(http.HandlerFunc(g.handleCall))
	t.Cleanup(srv.Close)
	return srv
}

func dialCaller(t *testing.T, srv *httptest.Server, userID, documentID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/voice/call/" + documentID
	header := http.Header{}
	if userID != "" {
		header.Set("X-User-ID", userID)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err, "dial caller transport")
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendMsg(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err, "read server frame")
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// waitFrame skips frames until one of the wanted type arrives.
func waitFrame(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	for i := 0; i < 50; i++ {
		frame := readFrame(t, conn)
		if frame["type"] == frameType {
			return frame
		}
	}
	t.Fatalf("frame %q never arrived", frameType)
	return nil
}

func TestStartCallDuplexFlow(t *testing.T) {
	rt := realtimeStub(t)
	srv := startTestGateway(t, gatewayOpts{
		duplexURL: "ws" + strings.TrimPrefix(rt.URL, "http"),
		summary:   "An invoice for 42 dollars.",
	})
	conn := dialCaller(t, srv, "user-1", "doc-1")

	sendMsg(t, conn, map[string]any{"type": "start_call"})
	started := waitFrame(t, conn, "call_started")
	require.NotEmpty(t, started["session_id"])
	require.Equal(t, "duplex", started["voice_mode"])
	require.Contains(t, started["greeting"], "An invoice for 42 dollars.")

	sendMsg(t, conn, map[string]any{"type": "ping"})
	waitFrame(t, conn, "pong")

	sendMsg(t, conn, map[string]any{"type": "mute"})
	muted := waitFrame(t, conn, "state_change")
	require.Equal(t, "muted", muted["state"])

	sendMsg(t, conn, map[string]any{"type": "unmute"})
	unmuted := waitFrame(t, conn, "state_change")
	require.Equal(t, "unmuted", unmuted["state"])

	sendMsg(t, conn, map[string]any{"type": "end_call"})
	ended := waitFrame(t, conn, "call_ended")
	require.GreaterOrEqual(t, ended["duration_seconds"].(float64), 0.0)
	require.Equal(t, 0.0, ended["questions_asked"])
}

func TestStartCallSecondAttemptRejected(t *testing.T) {
	rt := realtimeStub(t)
	srv := startTestGateway(t, gatewayOpts{duplexURL: "ws" + strings.TrimPrefix(rt.URL, "http")})
	conn := dialCaller(t, srv, "user-1", "doc-1")

	sendMsg(t, conn, map[string]any{"type": "start_call"})
	waitFrame(t, conn, "call_started")

	sendMsg(t, conn, map[string]any{"type": "start_call"})
	frame := waitFrame(t, conn, "error")
	require.Equal(t, "validation_error", frame["code"])
}

func TestStartCallPermissionDenied(t *testing.T) {
	srv := startTestGateway(t, gatewayOpts{owner: "someone-else"})
	conn := dialCaller(t, srv, "user-1", "doc-1")

	sendMsg(t, conn, map[string]any{"type": "start_call"})
	frame := waitFrame(t, conn, "error")
	require.Equal(t, "permission_denied", frame["code"])
}

func TestAudioChunkBeforeStartCall(t *testing.T) {
	srv := startTestGateway(t, gatewayOpts{})
	conn := dialCaller(t, srv, "user-1", "doc-1")

	sendMsg(t, conn, map[string]any{
		"type": "audio_chunk",
		"data": base64.StdEncoding.EncodeToString([]byte("pcm")),
	})
	frame := waitFrame(t, conn, "error")
	require.Equal(t, "call_not_started", frame["code"])
}

func TestInvalidJSONAndUnknownType(t *testing.T) {
	srv := startTestGateway(t, gatewayOpts{})
	conn := dialCaller(t, srv, "user-1", "doc-1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame := waitFrame(t, conn, "error")
	require.Equal(t, "invalid_json", frame["code"])

	sendMsg(t, conn, map[string]any{"type": "bogus"})
	frame = waitFrame(t, conn, "error")
	require.Equal(t, "unknown_message_type", frame["code"])
	require.Contains(t, frame["message"], "bogus")
}

func TestMissingUserHeaderClosesConnection(t *testing.T) {
	srv := startTestGateway(t, gatewayOpts{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/voice/call/doc-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestFallbackActivatedWhenChannelUnreachable(t *testing.T) {
	srv := startTestGateway(t, gatewayOpts{duplexURL: "ws://127.0.0.1:1"})
	conn := dialCaller(t, srv, "user-1", "doc-1")

	sendMsg(t, conn, map[string]any{"type": "start_call"})
	activated := waitFrame(t, conn, "fallback_activated")
	require.Contains(t, activated["reason"], "unavailable")

	started := waitFrame(t, conn, "call_started")
	require.Equal(t, "fallback", started["voice_mode"])
}

func TestMidCallChannelCloseSwitchesToFallback(t *testing.T) {
	rc := newRealtimeControl()
	rt := httptest.NewServer(rc)
	t.Cleanup(rt.Close)
	srv := startTestGateway(t, gatewayOpts{duplexURL: "ws" + strings.TrimPrefix(rt.URL, "http")})
	conn := dialCaller(t, srv, "user-1", "doc-1")

	sendMsg(t, conn, map[string]any{"type": "start_call"})
	started := waitFrame(t, conn, "call_started")
	require.Equal(t, "duplex", started["voice_mode"])

	rc.waitConnected(t)
	rc.drop(t)

	activated := waitFrame(t, conn, "fallback_activated")
	require.Contains(t, activated["reason"], "turn-based")

	sendMsg(t, conn, map[string]any{
		"type": "audio_chunk",
		"data": base64.StdEncoding.EncodeToString([]byte("pcm-audio")),
	})
	sendMsg(t, conn, map[string]any{"type": "end_speech"})
	transcription := waitFrame(t, conn, "transcription")
	require.Equal(t, "what is the total", transcription["text"])

	sendMsg(t, conn, map[string]any{"type": "end_call"})
	waitFrame(t, conn, "call_ended")
}

func TestMidCallChannelErrorSwitchesToFallback(t *testing.T) {
	rc := newRealtimeControl()
	rt := httptest.NewServer(rc)
	t.Cleanup(rt.Close)
	srv := startTestGateway(t, gatewayOpts{duplexURL: "ws" + strings.TrimPrefix(rt.URL, "http")})
	conn := dialCaller(t, srv, "user-1", "doc-1")

	sendMsg(t, conn, map[string]any{"type": "start_call"})
	waitFrame(t, conn, "call_started")

	rc.waitConnected(t)
	rc.send(t, map[string]any{"type": "error", "error": map[string]any{"message": "boom"}})

	frame := waitFrame(t, conn, "error")
	require.Equal(t, "openai_error", frame["code"])
	require.Equal(t, "boom", frame["message"])

	activated := waitFrame(t, conn, "fallback_activated")
	require.Contains(t, activated["reason"], "turn-based")
}

func TestFallbackTurnRoundTrip(t *testing.T) {
	srv := startTestGateway(t, gatewayOpts{duplexURL: "ws://127.0.0.1:1"})
	conn := dialCaller(t, srv, "user-1", "doc-1")

	sendMsg(t, conn, map[string]any{"type": "start_call"})
	waitFrame(t, conn, "call_started")

	sendMsg(t, conn, map[string]any{
		"type": "audio_chunk",
		"data": base64.StdEncoding.EncodeToString([]byte("pcm-audio")),
	})
	sendMsg(t, conn, map[string]any{"type": "end_speech"})

	transcription := waitFrame(t, conn, "transcription")
	require.Equal(t, "what is the total", transcription["text"])

	textResp := waitFrame(t, conn, "text_response")
	require.Equal(t, "The total is 42.", textResp["text"])

	audio := waitFrame(t, conn, "audio_chunk")
	decoded, err := base64.StdEncoding.DecodeString(audio["data"].(string))
	require.NoError(t, err)
	require.Equal(t, "aa", string(decoded))

	waitFrame(t, conn, "audio_end")

	sendMsg(t, conn, map[string]any{"type": "end_call"})
	ended := waitFrame(t, conn, "call_ended")
	require.Equal(t, 1.0, ended["questions_asked"])
}
