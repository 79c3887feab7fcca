package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/docstore"
)

type fakeSearcher struct {
	passages []docstore.Passage
	err      error
}

func (f *fakeSearcher) Search(ctx context.Context, documentID, query string) ([]docstore.Passage, error) {
	return f.passages, f.err
}

type fakeExtractor struct {
	items      []docstore.Item
	highlights []docstore.Highlight
	err        error
}

func (f *fakeExtractor) ExtractAll(ctx context.Context, documentID, query string) ([]docstore.Item, []docstore.Highlight, error) {
	return f.items, f.highlights, f.err
}

func TestSearchDocumentFormatsPassages(t *testing.T) {
	inv := NewInvoker(&fakeSearcher{passages: []docstore.Passage{
		{Text: "Total due is $420.", Page: 2},
		{Text: "Net 30 terms apply.", Page: 5},
	}}, &fakeExtractor{})

	got := inv.SearchDocument(context.Background(), "doc-1", "total")
	want := "[Page 2]: Total due is $420.\n\n[Page 5]: Net 30 terms apply."
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSearchDocumentEmptyAndFailure(t *testing.T) {
	inv := NewInvoker(&fakeSearcher{}, &fakeExtractor{})
	if got := inv.SearchDocument(context.Background(), "doc-1", "total"); got != "No relevant information found in the document for this query." {
		t.Fatalf("unexpected empty-result text: %q", got)
	}

	inv = NewInvoker(&fakeSearcher{err: errors.New("index offline")}, &fakeExtractor{})
	if got := inv.SearchDocument(context.Background(), "doc-1", "total"); got != "Unable to search the document at this time." {
		t.Fatalf("unexpected failure text: %q", got)
	}
}

func TestExtractAllCapsDetailList(t *testing.T) {
	items := make([]docstore.Item, 25)
	for i := range items {
		items[i] = docstore.Item{Text: fmt.Sprintf("line item %d", i+1), Page: 1}
	}
	hl := []docstore.Highlight{{Page: 1, X: 10, Y: 20, Width: 100, Height: 12, Text: "line item 1"}}
	inv := NewInvoker(&fakeSearcher{}, &fakeExtractor{items: items, highlights: hl})

	text, highlights := inv.ExtractAll(context.Background(), "doc-1", "line items")
	if !strings.HasPrefix(text, "Found 25 matching items in the document.") {
		t.Fatalf("missing count header: %q", text)
	}
	if !strings.Contains(text, "20. line item 20 (page 1)") {
		t.Fatalf("missing 20th detail: %q", text)
	}
	if strings.Contains(text, "21. ") {
		t.Fatalf("detail list not capped: %q", text)
	}
	if !strings.Contains(text, "... and 5 more items.") {
		t.Fatalf("missing overflow note: %q", text)
	}
	if len(highlights) != 1 {
		t.Fatalf("highlights not forwarded: %d", len(highlights))
	}
}

func TestExtractAllEmptyAndFailure(t *testing.T) {
	inv := NewInvoker(&fakeSearcher{}, &fakeExtractor{})
	text, highlights := inv.ExtractAll(context.Background(), "doc-1", "amounts")
	if text != "No matching items found in the document." || highlights != nil {
		t.Fatalf("unexpected empty-result output: %q, %v", text, highlights)
	}

	inv = NewInvoker(&fakeSearcher{}, &fakeExtractor{err: errors.New("extractor down")})
	text, highlights = inv.ExtractAll(context.Background(), "doc-1", "amounts")
	if text != "Unable to perform extraction at this time." || highlights != nil {
		t.Fatalf("unexpected failure output: %q, %v", text, highlights)
	}
}
