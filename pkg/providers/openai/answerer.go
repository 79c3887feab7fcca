package openai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/docstore"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/errorsx"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/logging"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/session"
)

const answerSystemPrompt = `You are a document-bound AI assistant answering spoken questions about an uploaded document.

CRITICAL RULES - YOU MUST FOLLOW THESE:
1. You can ONLY answer using information from the document passages provided below.
2. If information is NOT in the passages, say: "I cannot find information about that in the uploaded document."
3. NEVER use external knowledge or make up information.
4. Keep responses concise, 2-3 sentences, suitable for speech.
5. Briefly mention where in the document the information was found.

Document passages:
%s`

// Answerer produces a document-grounded reply using chat completions,
// pulling fresh passages for every question.
type Answerer struct {
	client   *openai.Client
	searcher docstore.Searcher
	model    string
	logger   *slog.Logger
}

func NewAnswerer(apiKey, model string, searcher docstore.Searcher) *Answerer {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Answerer{
		client:   openai.NewClient(apiKey),
		searcher: searcher,
		model:    model,
		logger:   logging.NewComponentLogger(slog.Default(), "chat_answerer"),
	}
}

func (a *Answerer) Answer(ctx context.Context, documentID, question string, history []session.Message) (string, error) {
	passages, err := a.searcher.Search(ctx, documentID, question)
	if err != nil {
		a.logger.Warn("passage_search_failed",
			slog.String("document_id", documentID),
			slog.String("error", err.Error()))
	}
	docContext := formatPassages(passages)

	messages := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: fmt.Sprintf(answerSystemPrompt, docContext),
	}}
	for _, msg := range history {
		role := openai.ChatMessageRoleUser
		if msg.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: question,
	})

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.model,
		Messages:    messages,
		Temperature: 0.7,
		MaxTokens:   1024,
	})
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("answer generation: %w", err), errorsx.ReasonToolExecution)
	}
	if len(resp.Choices) == 0 {
		return "", errorsx.New("answer generation returned no choices", errorsx.ReasonToolExecution)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func formatPassages(passages []docstore.Passage) string {
	if len(passages) == 0 {
		return "(no passages found)"
	}
	parts := make([]string, 0, len(passages))
	for _, p := range passages {
		parts = append(parts, fmt.Sprintf("[Page %d]: %s", p.Page, p.Text))
	}
	return strings.Join(parts, "\n\n")
}
