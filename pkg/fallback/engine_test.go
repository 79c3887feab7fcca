package fallback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/session"
)

type fakeTranscriber struct {
	text string
	err  error

	mu    sync.Mutex
	audio [][]byte
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	f.mu.Lock()
	f.audio = append(f.audio, audio)
	f.mu.Unlock()
	return f.text, f.err
}

type fakeAnswerer struct {
	reply string
	err   error

	mu         sync.Mutex
	questions  []string
	historyLen int
}

func (f *fakeAnswerer) Answer(ctx context.Context, documentID, question string, history []session.Message) (string, error) {
	f.mu.Lock()
	f.questions = append(f.questions, question)
	f.historyLen = len(history)
	f.mu.Unlock()
	return f.reply, f.err
}

type fakeSynthesizer struct {
	chunks    [][]byte
	chunkGap  time.Duration
	err       error
	streaming chan struct{}
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan []byte)
	go func() {
		defer close(out)
		if f.streaming != nil {
			close(f.streaming)
		}
		for _, chunk := range f.chunks {
			if f.chunkGap > 0 {
				time.Sleep(f.chunkGap)
			}
			out <- chunk
		}
	}()
	return out, nil
}

func newTestEngine(tr Transcriber, an Answerer, sy Synthesizer) (*Engine, *session.CallSession) {
	sess := session.New("sess-1", "user-1", "doc-1", session.ModeFallback)
	eng := NewEngine(sess, tr, an, sy, nil)
	return eng, sess
}

// collect drains engine events until the predicate is satisfied or the
// timeout elapses.
func collect(t *testing.T, eng *Engine, timeout time.Duration, done func([]Event) bool) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-eng.Events():
			out = append(out, ev)
			if done(out) {
				return out
			}
		case <-deadline:
			return out
		}
	}
}

func hasEvent[T Event](events []Event) bool {
	for _, ev := range events {
		if _, ok := ev.(T); ok {
			return true
		}
	}
	return false
}

func TestEndSpeechRunsFullTurn(t *testing.T) {
	tr := &fakeTranscriber{text: "what is the invoice total"}
	an := &fakeAnswerer{reply: "The total is $420, on page 2."}
	sy := &fakeSynthesizer{chunks: [][]byte{[]byte("aa"), []byte("bb"), []byte("cc")}}
	eng, sess := newTestEngine(tr, an, sy)
	defer eng.Close()

	eng.HandleAudioChunk([]byte("pcm-1"))
	eng.HandleAudioChunk([]byte("pcm-2"))
	eng.EndSpeech(context.Background())

	events := collect(t, eng, 2*time.Second, hasEvent[AudioEndEvent])

	var sawTranscription, sawText, sawEnd bool
	audioChunks := 0
	for _, ev := range events {
		switch got := ev.(type) {
		case TranscriptionEvent:
			sawTranscription = got.Text == "what is the invoice total"
		case TextResponseEvent:
			sawText = got.Text == "The total is $420, on page 2."
		case AudioEvent:
			audioChunks++
		case AudioEndEvent:
			sawEnd = true
		case ErrorEvent:
			t.Fatalf("unexpected error event: %s", got.Message)
		}
	}
	if !sawTranscription || !sawText || !sawEnd {
		t.Fatalf("incomplete turn: transcription=%v text=%v end=%v", sawTranscription, sawText, sawEnd)
	}
	if audioChunks != 3 {
		t.Fatalf("streamed %d chunks, want 3", audioChunks)
	}

	tr.mu.Lock()
	if string(tr.audio[0]) != "pcm-1pcm-2" {
		t.Fatalf("buffered audio = %q", tr.audio[0])
	}
	tr.mu.Unlock()
	if sess.Questions() != 1 {
		t.Fatalf("questions = %d, want 1", sess.Questions())
	}
	if sess.HistoryLen() != 2 {
		t.Fatalf("history = %d entries, want 2", sess.HistoryLen())
	}
}

func TestAudioDuringAiSpeakingInterruptsStream(t *testing.T) {
	streaming := make(chan struct{})
	tr := &fakeTranscriber{text: "question"}
	an := &fakeAnswerer{reply: "a very long answer"}
	sy := &fakeSynthesizer{
		chunks:    [][]byte{[]byte("c1"), []byte("c2"), []byte("c3"), []byte("c4"), []byte("c5")},
		chunkGap:  40 * time.Millisecond,
		streaming: streaming,
	}
	eng, sess := newTestEngine(tr, an, sy)
	defer eng.Close()

	eng.HandleAudioChunk([]byte("pcm"))
	eng.EndSpeech(context.Background())

	// Drain until the reply stream is underway.
	go func() {
		<-streaming
		time.Sleep(60 * time.Millisecond)
		eng.HandleAudioChunk([]byte("barge"))
	}()

	events := collect(t, eng, 2*time.Second, hasEvent[StateEvent])
	events = append(events, collect(t, eng, time.Second, func(evs []Event) bool {
		for _, ev := range evs {
			if st, ok := ev.(StateEvent); ok && st.State == StateInterrupted {
				return true
			}
		}
		return false
	})...)

	if hasEvent[AudioEndEvent](events) {
		t.Fatal("interrupted stream still ran to completion")
	}
	interrupted := false
	for _, ev := range events {
		if st, ok := ev.(StateEvent); ok && st.State == StateInterrupted {
			interrupted = true
		}
	}
	if !interrupted {
		t.Fatal("no interrupted state observed")
	}
	if sess.Interruptions() != 1 {
		t.Fatalf("interruptions = %d, want 1", sess.Interruptions())
	}
	if eng.State() != StateUserSpeaking {
		t.Fatalf("state after barge audio = %s, want user_speaking", eng.State())
	}
}

func TestEndSpeechWithEmptyBufferReturnsToIdle(t *testing.T) {
	eng, _ := newTestEngine(&fakeTranscriber{}, &fakeAnswerer{}, &fakeSynthesizer{})
	defer eng.Close()

	eng.EndSpeech(context.Background())
	events := collect(t, eng, time.Second, hasEvent[StateEvent])
	if len(events) == 0 {
		t.Fatal("no events")
	}
	st, ok := events[len(events)-1].(StateEvent)
	if !ok || st.State != StateIdle {
		t.Fatalf("expected idle state, got %+v", events[len(events)-1])
	}
}

func TestTranscriptionFailureEmitsError(t *testing.T) {
	eng, _ := newTestEngine(&fakeTranscriber{err: errors.New("whisper down")}, &fakeAnswerer{}, &fakeSynthesizer{})
	defer eng.Close()

	eng.HandleAudioChunk([]byte("pcm"))
	eng.EndSpeech(context.Background())

	events := collect(t, eng, 2*time.Second, hasEvent[ErrorEvent])
	if !hasEvent[ErrorEvent](events) {
		t.Fatal("no error event after transcription failure")
	}
}

func TestAnswererSeesRecentHistory(t *testing.T) {
	tr := &fakeTranscriber{text: "follow-up question"}
	an := &fakeAnswerer{reply: "ok"}
	eng, sess := newTestEngine(tr, an, &fakeSynthesizer{chunks: [][]byte{[]byte("a")}})
	defer eng.Close()

	sess.AddMessage(session.Message{Role: "user", Content: "earlier question"})
	sess.AddMessage(session.Message{Role: "assistant", Content: "earlier answer"})

	eng.HandleAudioChunk([]byte("pcm"))
	eng.EndSpeech(context.Background())
	collect(t, eng, 2*time.Second, hasEvent[AudioEndEvent])

	an.mu.Lock()
	defer an.mu.Unlock()
	if len(an.questions) != 1 || an.questions[0] != "follow-up question" {
		t.Fatalf("questions = %v", an.questions)
	}
	// History includes the prior exchange plus the new user turn.
	if an.historyLen != 3 {
		t.Fatalf("history length = %d, want 3", an.historyLen)
	}
}
