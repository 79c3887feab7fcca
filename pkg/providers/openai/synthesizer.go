package openai

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/sashabaranov/go-openai"

	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/errorsx"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/logging"
)

const speechChunkSize = 4096

// Synthesizer streams spoken audio chunks for a reply, so playback can
// start before synthesis finishes downloading.
type Synthesizer struct {
	client *openai.Client
	voice  openai.SpeechVoice
	speed  float64
	logger *slog.Logger
}

func NewSynthesizer(apiKey, voice string) *Synthesizer {
	v := openai.SpeechVoice(voice)
	if v == "" {
		v = openai.VoiceNova
	}
	return &Synthesizer{
		client: openai.NewClient(apiKey),
		voice:  v,
		speed:  1.0,
		logger: logging.NewComponentLogger(slog.Default(), "tts_synthesizer"),
	}
}

func (s *Synthesizer) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.TTSModel1,
		Input:          text,
		Voice:          s.voice,
		Speed:          s.speed,
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("speech synthesis: %w", err), errorsx.ReasonToolExecution)
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer resp.Close()
		for {
			buf := make([]byte, speechChunkSize)
			n, err := resp.Read(buf)
			if n > 0 {
				select {
				case <-ctx.Done():
					return
				case out <- buf[:n]:
				}
			}
			if err != nil {
				if err != io.EOF {
					s.logger.Warn("speech_stream_read_failed", slog.String("error", err.Error()))
				}
				return
			}
		}
	}()
	return out, nil
}
