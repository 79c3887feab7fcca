package fallback

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/logging"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/metrics"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/session"
)

// TurnState is the phase of the turn-based conversation loop.
type TurnState string

const (
	StateIdle         TurnState = "idle"
	StateUserSpeaking TurnState = "user_speaking"
	StateProcessing   TurnState = "processing"
	StateAiSpeaking   TurnState = "ai_speaking"
	StateInterrupted  TurnState = "interrupted"
)

// interruptGrace bounds how long an interrupt waits for the in-flight
// streaming turn to observe its cancellation flag.
const interruptGrace = 500 * time.Millisecond

// Transcriber converts buffered caller audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Answerer produces a document-grounded reply to one caller question.
type Answerer interface {
	Answer(ctx context.Context, documentID, question string, history []session.Message) (string, error)
}

// Synthesizer streams spoken audio for a reply, chunk by chunk.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (<-chan []byte, error)
}

// Event is one notification from the engine to its relay loop.
type Event interface{ turnEvent() }

type StateEvent struct{ State TurnState }

type TranscriptionEvent struct{ Text string }

type TextResponseEvent struct{ Text string }

type AudioEvent struct{ Data []byte }

type AudioEndEvent struct{}

type ErrorEvent struct{ Message string }

func (StateEvent) turnEvent()         {}
func (TranscriptionEvent) turnEvent() {}
func (TextResponseEvent) turnEvent()  {}
func (AudioEvent) turnEvent()         {}
func (AudioEndEvent) turnEvent()      {}
func (ErrorEvent) turnEvent()         {}

// Engine runs one call in turn-based mode: buffer caller audio until
// end-of-speech, then transcribe, answer, and synthesize, streaming the
// reply back under the same interruption contract as the duplex path.
type Engine struct {
	sess        *session.CallSession
	transcriber Transcriber
	answerer    Answerer
	synthesizer Synthesizer
	obs         metrics.Observer
	logger      *slog.Logger

	events chan Event
	done   chan struct{}
	closed atomic.Bool

	mu       sync.Mutex
	state    TurnState
	buffer   bytes.Buffer
	cancelCh chan struct{}
	turnDone chan struct{}
}

func NewEngine(sess *session.CallSession, transcriber Transcriber, answerer Answerer, synthesizer Synthesizer, obs metrics.Observer) *Engine {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Engine{
		sess:        sess,
		transcriber: transcriber,
		answerer:    answerer,
		synthesizer: synthesizer,
		obs:         obs,
		logger:      logging.NewComponentLogger(slog.Default(), "fallback_engine"),
		events:      make(chan Event, 256),
		done:        make(chan struct{}),
		state:       StateIdle,
	}
}

// Events is the single consumption point for engine output. The
// channel is never closed; consumers stop on their own context.
func (e *Engine) Events() <-chan Event { return e.events }

func (e *Engine) State() TurnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// HandleAudioChunk buffers one caller chunk. Audio arriving while the
// reply is streaming is treated as an interruption first.
func (e *Engine) HandleAudioChunk(data []byte) {
	if e.closed.Load() {
		return
	}
	if e.State() == StateAiSpeaking {
		e.interrupt()
	}

	e.mu.Lock()
	if e.state == StateIdle || e.state == StateInterrupted {
		e.state = StateUserSpeaking
		e.mu.Unlock()
		e.emit(StateEvent{State: StateUserSpeaking})
		e.mu.Lock()
	}
	e.buffer.Write(data)
	e.mu.Unlock()
	e.sess.Touch()
}

// Interrupt stops the in-flight reply stream, waiting briefly for the
// streaming turn to observe the flag before resetting for new speech.
func (e *Engine) Interrupt() {
	if e.closed.Load() {
		return
	}
	e.interrupt()
}

func (e *Engine) interrupt() {
	e.mu.Lock()
	cancelCh := e.cancelCh
	turnDone := e.turnDone
	if cancelCh != nil {
		select {
		case <-cancelCh:
		default:
			close(cancelCh)
		}
	}
	e.mu.Unlock()

	if turnDone != nil {
		select {
		case <-turnDone:
		case <-time.After(interruptGrace):
		}
	}

	e.mu.Lock()
	e.buffer.Reset()
	e.cancelCh = nil
	e.turnDone = nil
	e.state = StateInterrupted
	e.mu.Unlock()

	e.sess.RecordInterruption()
	e.obs.RecordEvent(metrics.MetricsEvent{Name: "barge_in", Time: time.Now(), Tags: map[string]string{"voice_mode": "fallback"}})
	e.emit(StateEvent{State: StateInterrupted})
	e.logger.Info("reply_stream_interrupted", slog.String("session_id", e.sess.ID))
}

// EndSpeech closes the caller's turn: the buffered audio is transcribed
// and a spoken reply is generated and streamed. The pipeline runs in
// its own goroutine so interrupts keep flowing through HandleAudioChunk.
func (e *Engine) EndSpeech(ctx context.Context) {
	if e.closed.Load() {
		return
	}

	e.mu.Lock()
	if e.turnDone != nil {
		// A reply turn is already running.
		e.mu.Unlock()
		return
	}
	audio := make([]byte, e.buffer.Len())
	copy(audio, e.buffer.Bytes())
	e.buffer.Reset()
	if len(audio) == 0 {
		e.state = StateIdle
		e.mu.Unlock()
		e.emit(StateEvent{State: StateIdle})
		return
	}
	e.state = StateProcessing
	cancelCh := make(chan struct{})
	turnDone := make(chan struct{})
	e.cancelCh = cancelCh
	e.turnDone = turnDone
	e.mu.Unlock()

	e.emit(StateEvent{State: StateProcessing})
	go e.runTurn(ctx, audio, cancelCh, turnDone)
}

func (e *Engine) runTurn(ctx context.Context, audio []byte, cancelCh, turnDone chan struct{}) {
	defer close(turnDone)
	defer e.finishTurn(cancelCh)

	text, err := e.transcriber.Transcribe(ctx, audio)
	if err != nil {
		e.logger.Error("transcription_failed",
			slog.String("session_id", e.sess.ID),
			slog.String("error", err.Error()))
		e.emit(ErrorEvent{Message: "could not transcribe audio"})
		return
	}
	if text == "" {
		return
	}
	e.sess.AddMessage(session.Message{Role: "user", Content: text})
	e.sess.RecordQuestion()
	e.emit(TranscriptionEvent{Text: text})

	if cancelled(cancelCh) {
		return
	}

	reply, err := e.answerer.Answer(ctx, e.sess.DocumentID, text, e.sess.RecentHistory(10))
	if err != nil {
		e.logger.Error("answer_generation_failed",
			slog.String("session_id", e.sess.ID),
			slog.String("error", err.Error()))
		e.emit(ErrorEvent{Message: "could not generate a response"})
		return
	}
	e.sess.AddMessage(session.Message{Role: "assistant", Content: reply})
	e.emit(TextResponseEvent{Text: reply})

	if cancelled(cancelCh) {
		return
	}

	e.setState(StateAiSpeaking)
	e.emit(StateEvent{State: StateAiSpeaking})

	stream, err := e.synthesizer.Synthesize(ctx, reply)
	if err != nil {
		e.logger.Error("speech_synthesis_failed",
			slog.String("session_id", e.sess.ID),
			slog.String("error", err.Error()))
		e.emit(ErrorEvent{Message: "could not synthesize speech"})
		return
	}

	for chunk := range stream {
		// The cancellation flag is checked before every yield so an
		// interrupt stops the stream promptly, not after synthesis.
		if cancelled(cancelCh) {
			e.logger.Info("reply_stream_cancelled", slog.String("session_id", e.sess.ID))
			return
		}
		e.sess.AddBytesSent(len(chunk))
		e.obs.RecordEvent(metrics.MetricsEvent{Name: "audio_out", Time: time.Now(), Value: float64(len(chunk))})
		e.emit(AudioEvent{Data: chunk})
	}

	if !cancelled(cancelCh) {
		e.emit(AudioEndEvent{})
	}
}

// finishTurn returns the engine to idle unless an interrupt already
// repositioned it.
func (e *Engine) finishTurn(cancelCh chan struct{}) {
	wasCancelled := cancelled(cancelCh)
	e.mu.Lock()
	if e.cancelCh == cancelCh {
		e.cancelCh = nil
		e.turnDone = nil
	}
	if !wasCancelled && e.state != StateInterrupted {
		e.state = StateIdle
		e.mu.Unlock()
		e.emit(StateEvent{State: StateIdle})
		return
	}
	e.mu.Unlock()
}

func (e *Engine) setState(state TurnState) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
}

// Close stops the engine. Safe to call more than once.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	if e.cancelCh != nil {
		select {
		case <-e.cancelCh:
		default:
			close(e.cancelCh)
		}
	}
	e.mu.Unlock()
	close(e.done)
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

func cancelled(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
