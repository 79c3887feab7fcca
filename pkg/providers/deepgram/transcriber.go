package deepgram

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/errorsx"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/logging"
)

type Config struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int
	Encoding   string
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.Language == "" {
		c.Language = "en"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 24000
	}
	if c.Encoding == "" {
		c.Encoding = "linear16"
	}
	return c
}

// utteranceDeadline bounds how long one buffered utterance may take to
// transcribe before the caller gets an error.
const utteranceDeadline = 15 * time.Second

// Transcriber runs one short-lived streaming connection per buffered
// utterance and joins the final transcript segments.
type Transcriber struct {
	cfg    Config
	logger *slog.Logger
}

func NewTranscriber(cfg Config) *Transcriber {
	return &Transcriber{
		cfg:    cfg.withDefaults(),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_transcriber"),
	}
}

func (t *Transcriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, utteranceDeadline)
	defer cancel()

	clientOptions := &interfaces.ClientOptions{}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:       t.cfg.Model,
		Language:    t.cfg.Language,
		Encoding:    t.cfg.Encoding,
		SampleRate:  t.cfg.SampleRate,
		SmartFormat: true,
	}

	cb := newCollector(t.logger)
	dgClient, err := client.NewWSUsingCallback(ctx, t.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("deepgram client: %w", err), errorsx.ReasonToolExecution)
	}
	if connected := dgClient.Connect(); !connected {
		return "", errorsx.New("deepgram connection failed", errorsx.ReasonToolExecution)
	}
	defer dgClient.Stop()

	if err := dgClient.Stream(bytes.NewReader(audio)); err != nil && ctx.Err() == nil {
		t.logger.Warn("deepgram_stream_ended", slog.String("error", err.Error()))
	}

	select {
	case <-cb.done:
	case <-ctx.Done():
	}

	text := cb.transcript()
	if text == "" && ctx.Err() != nil {
		return "", errorsx.Wrap(fmt.Errorf("transcription: %w", ctx.Err()), errorsx.ReasonToolExecution)
	}
	return text, nil
}

// collector gathers final transcript segments for one utterance.
type collector struct {
	logger *slog.Logger

	mu     sync.Mutex
	finals []string

	done     chan struct{}
	doneOnce sync.Once
}

func newCollector(logger *slog.Logger) *collector {
	return &collector{logger: logger, done: make(chan struct{})}
}

func (c *collector) transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.TrimSpace(strings.Join(c.finals, " "))
}

func (c *collector) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *collector) Open(or *msginterfaces.OpenResponse) error { return nil }

func (c *collector) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}
	if mr.IsFinal || mr.SpeechFinal {
		c.mu.Lock()
		c.finals = append(c.finals, alt.Transcript)
		c.mu.Unlock()
	}
	return nil
}

func (c *collector) Metadata(md *msginterfaces.MetadataResponse) error { return nil }

func (c *collector) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error { return nil }

func (c *collector) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.finish()
	return nil
}

func (c *collector) Close(cr *msginterfaces.CloseResponse) error {
	c.finish()
	return nil
}

func (c *collector) Error(er *msginterfaces.ErrorResponse) error {
	c.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.finish()
	return nil
}

func (c *collector) UnhandledEvent(byData []byte) error { return nil }
