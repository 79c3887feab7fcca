package openai

import (
	"bytes"
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/errorsx"
)

// Transcriber converts buffered caller audio to text with Whisper.
type Transcriber struct {
	client *openai.Client
	prompt string
}

func NewTranscriber(apiKey string) *Transcriber {
	return &Transcriber{client: openai.NewClient(apiKey)}
}

// SetPrompt biases transcription toward the document's vocabulary.
func (t *Transcriber) SetPrompt(prompt string) { t.prompt = prompt }

func (t *Transcriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		Reader:   bytes.NewReader(audio),
		FilePath: "speech.webm",
		Prompt:   t.prompt,
	})
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("whisper transcription: %w", err), errorsx.ReasonToolExecution)
	}
	return resp.Text, nil
}
