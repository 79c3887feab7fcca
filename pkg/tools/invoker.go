package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/docstore"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/logging"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/metrics"
)

// Tool names the reasoning channel may request.
const (
	ToolSearchDocument = "search_document"
	ToolExtractAll     = "extract_all"
)

// detailLimit caps how many extracted items are spelled out for speech.
const detailLimit = 20

// Invoker executes mid-call tool requests against the document
// collaborators. Failures never propagate: the model receives an
// "unable to perform" note and the call continues.
type Invoker struct {
	searcher  docstore.Searcher
	extractor docstore.Extractor
	obs       metrics.Observer
	logger    *slog.Logger
}

func NewInvoker(searcher docstore.Searcher, extractor docstore.Extractor) *Invoker {
	return &Invoker{
		searcher:  searcher,
		extractor: extractor,
		obs:       metrics.NoopObserver{},
		logger:    logging.NewComponentLogger(slog.Default(), "tool_invoker"),
	}
}

func (i *Invoker) SetObserver(obs metrics.Observer) {
	if obs != nil {
		i.obs = obs
	}
}

// SearchDocument runs similarity search and formats passages for the
// model, tagging each with its page number.
func (i *Invoker) SearchDocument(ctx context.Context, documentID, query string) string {
	i.record(ToolSearchDocument)
	passages, err := i.searcher.Search(ctx, documentID, query)
	if err != nil {
		i.logger.Error("document_search_failed",
			slog.String("document_id", documentID),
			slog.String("error", err.Error()))
		return "Unable to search the document at this time."
	}
	if len(passages) == 0 {
		return "No relevant information found in the document for this query."
	}
	parts := make([]string, 0, len(passages))
	for _, p := range passages {
		parts = append(parts, fmt.Sprintf("[Page %d]: %s", p.Page, p.Text))
	}
	return strings.Join(parts, "\n\n")
}

// ExtractAll performs exhaustive extraction and returns the spoken
// summary plus highlight boxes for the client to render.
func (i *Invoker) ExtractAll(ctx context.Context, documentID, query string) (string, []docstore.Highlight) {
	i.record(ToolExtractAll)
	items, highlights, err := i.extractor.ExtractAll(ctx, documentID, query)
	if err != nil {
		i.logger.Error("document_extraction_failed",
			slog.String("document_id", documentID),
			slog.String("error", err.Error()))
		return "Unable to perform extraction at this time.", nil
	}
	if len(items) == 0 {
		return "No matching items found in the document.", nil
	}

	parts := []string{
		fmt.Sprintf("Found %d matching items in the document.", len(items)),
		"",
		"Details:",
	}
	limit := len(items)
	if limit > detailLimit {
		limit = detailLimit
	}
	for n, item := range items[:limit] {
		pageInfo := ""
		if item.Page > 0 {
			pageInfo = fmt.Sprintf(" (page %d)", item.Page)
		}
		parts = append(parts, fmt.Sprintf("%d. %s%s", n+1, item.Text, pageInfo))
	}
	if len(items) > detailLimit {
		parts = append(parts, fmt.Sprintf("... and %d more items.", len(items)-detailLimit))
	}
	return strings.Join(parts, "\n"), highlights
}

func (i *Invoker) record(tool string) {
	i.obs.RecordEvent(metrics.MetricsEvent{
		Name: "tool_invoked",
		Time: time.Now(),
		Tags: map[string]string{"tool": tool},
	})
}
